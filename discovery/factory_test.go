package discovery

import (
	"path/filepath"
	"testing"
)

func TestFactoryFileAlwaysAvailable(t *testing.T) {
	f := NewFactory(FactoryConfig{RegistryPath: filepath.Join(t.TempDir(), "reg.json")})
	defer f.Reset()

	s := f.Get(KindFile)
	if s == nil {
		t.Fatal("file strategy must always be constructible")
	}
	if _, ok := s.(*FileStrategy); !ok {
		t.Fatalf("expect *FileStrategy, got %T", s)
	}
}

func TestFactoryCachesByKind(t *testing.T) {
	f := NewFactory(FactoryConfig{RegistryPath: filepath.Join(t.TempDir(), "reg.json")})
	defer f.Reset()

	first := f.Get(KindFile)
	second := f.Get(KindFile)
	if first != second {
		t.Fatal("factory must build each kind once and reuse it")
	}

	f.Reset()
	third := f.Get(KindFile)
	if third == first {
		t.Fatal("reset must discard cached instances")
	}
}

func TestFactoryUnknownKind(t *testing.T) {
	f := NewFactory(FactoryConfig{})
	if s := f.Get("carrier-pigeon"); s != nil {
		t.Fatalf("unknown kind must yield nil, got %T", s)
	}
}

func TestFactoryEtcdGatedOnEndpoints(t *testing.T) {
	f := NewFactory(FactoryConfig{})
	if s := f.Get(KindEtcd); s != nil {
		t.Fatalf("etcd without endpoints must be unavailable, got %T", s)
	}
}

func TestFactoryBroadcastGatedOnRuntime(t *testing.T) {
	forceBroadcastAvailable(t, false)
	f := NewFactory(FactoryConfig{})
	if s := f.Get(KindBroadcast); s != nil {
		t.Fatalf("broadcast must be unavailable in this runtime, got %T", s)
	}
}

func TestListAvailable(t *testing.T) {
	forceBroadcastAvailable(t, false)
	f := NewFactory(FactoryConfig{EtcdEndpoints: []string{"localhost:2379"}})

	available := f.ListAvailable()
	if !available[KindFile] {
		t.Fatal("file must report available")
	}
	if available[KindBroadcast] {
		t.Fatal("broadcast must report unavailable")
	}
	if !available[KindEtcd] {
		t.Fatal("etcd with endpoints must report available")
	}
}
