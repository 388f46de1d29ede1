package settings

import (
	"testing"
)

func TestDefault_Validates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*AppSettings)
		wantErr bool
	}{
		{"defaults", func(*AppSettings) {}, false},
		{"codex override", func(s *AppSettings) { s.CodexBin = "/usr/local/bin/codex" }, false},
		{"multiline bin", func(s *AppSettings) { s.CodexBin = "codex\nrm" }, true},
		{"bad auto memory", func(s *AppSettings) { s.AutoMemory.MaxSnapshotChars = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Default()
			tt.mutate(&s)
			if err := s.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestClone_Independent(t *testing.T) {
	s := Default()
	s.CodexArgs = []string{"-c", "a=b"}

	c := s.Clone()
	c.CodexArgs[0] = "changed"
	c.AutoMemory.Enabled = false

	if s.CodexArgs[0] != "-c" {
		t.Error("Clone() shares CodexArgs backing array")
	}
	if !s.AutoMemory.Enabled {
		t.Error("Clone() shares AutoMemory")
	}
}
