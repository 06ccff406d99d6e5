package sandbox

import "testing"

func TestDefaultLimits(t *testing.T) {
	limits := DefaultLimits()
	if err := limits.Validate(); err != nil {
		t.Fatalf("DefaultLimits().Validate() = %v, want nil", err)
	}
	if limits.CPUShares != 512 {
		t.Errorf("CPUShares = %d, want 512", limits.CPUShares)
	}
	if limits.MemoryMB != 256 {
		t.Errorf("MemoryMB = %d, want 256", limits.MemoryMB)
	}
	if limits.PidsLimit != 64 {
		t.Errorf("PidsLimit = %d, want 64", limits.PidsLimit)
	}
	if limits.DiskMB != 128 {
		t.Errorf("DiskMB = %d, want 128", limits.DiskMB)
	}
}

func TestResourceLimitsValidate(t *testing.T) {
	tests := []struct {
		name    string
		limits  ResourceLimits
		wantErr bool
	}{
		{"defaults", DefaultLimits(), false},
		{"at ceilings", ResourceLimits{CPUShares: 4096, MemoryMB: 4096, PidsLimit: 500, DiskMB: 2048}, false},
		{"at floors", ResourceLimits{CPUShares: 2, MemoryMB: 16, PidsLimit: 5, DiskMB: 1}, false},
		{"cpu too low", ResourceLimits{CPUShares: 1, MemoryMB: 256, PidsLimit: 64, DiskMB: 128}, true},
		{"cpu too high", ResourceLimits{CPUShares: 8192, MemoryMB: 256, PidsLimit: 64, DiskMB: 128}, true},
		{"memory too low", ResourceLimits{CPUShares: 512, MemoryMB: 8, PidsLimit: 64, DiskMB: 128}, true},
		{"memory too high", ResourceLimits{CPUShares: 512, MemoryMB: 8192, PidsLimit: 64, DiskMB: 128}, true},
		{"pids too low", ResourceLimits{CPUShares: 512, MemoryMB: 256, PidsLimit: 2, DiskMB: 128}, true},
		{"pids too high", ResourceLimits{CPUShares: 512, MemoryMB: 256, PidsLimit: 1000, DiskMB: 128}, true},
		{"disk zero", ResourceLimits{CPUShares: 512, MemoryMB: 256, PidsLimit: 64, DiskMB: 0}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.limits.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
