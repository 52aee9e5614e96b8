package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validSpec() InstanceSpec {
	return InstanceSpec{
		Arch:           ArchX86_64,
		Image:          "ubuntu-24.04",
		Label:          "ci-linux-x64",
		TimeoutSeconds: 3600,
		CPUCores:       4,
		RAM:            8192,
		RootDisk:       "20G",
	}
}

func TestLoadInstanceSpec(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instance.json")
	content := `{
		"arch": "x86_64",
		"image": "ubuntu-24.04",
		"label": "ci-linux-x64",
		"timeout-seconds": 3600,
		"cpu-cores": 4,
		"ram": 8192,
		"root-disk": "20G"
	}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write spec: %v", err)
	}

	spec, err := LoadInstanceSpec(path)
	if err != nil {
		t.Fatalf("LoadInstanceSpec: %v", err)
	}
	if spec.Arch != ArchX86_64 || spec.Label != "ci-linux-x64" || spec.TimeoutSeconds != 3600 {
		t.Errorf("unexpected spec: %+v", spec)
	}
}

func TestValidateRejectsBadFields(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*InstanceSpec)
	}{
		{"unsupported arch", func(s *InstanceSpec) { s.Arch = "riscv64" }},
		{"empty image", func(s *InstanceSpec) { s.Image = "" }},
		{"empty label", func(s *InstanceSpec) { s.Label = "" }},
		{"zero timeout", func(s *InstanceSpec) { s.TimeoutSeconds = 0 }},
		{"zero cpu cores", func(s *InstanceSpec) { s.CPUCores = 0 }},
		{"zero ram", func(s *InstanceSpec) { s.RAM = 0 }},
		{"empty root disk", func(s *InstanceSpec) { s.RootDisk = "" }},
	}

	for _, tc := range cases {
		spec := validSpec()
		tc.mutate(&spec)
		if err := spec.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestLoadInstanceSpecMissingFile(t *testing.T) {
	if _, err := LoadInstanceSpec(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for a missing spec file")
	}
}
