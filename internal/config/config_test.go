package config

import "testing"

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DEFAULT_COMMISSION_PERCENT", "10")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if cfg.ServerPort != "8086" {
		t.Errorf("ServerPort = %q, want 8086", cfg.ServerPort)
	}
	if cfg.SettlementEventExchange != "settlement.events" {
		t.Errorf("SettlementEventExchange = %q, want settlement.events", cfg.SettlementEventExchange)
	}
	if cfg.ClearanceWindowHours != 168 {
		t.Errorf("ClearanceWindowHours = %d, want 168", cfg.ClearanceWindowHours)
	}
	if cfg.MinPayoutThresholdCents != 5000 {
		t.Errorf("MinPayoutThresholdCents = %d, want 5000", cfg.MinPayoutThresholdCents)
	}
	if cfg.PayoutMaxRetryAttempts != 3 {
		t.Errorf("PayoutMaxRetryAttempts = %d, want 3", cfg.PayoutMaxRetryAttempts)
	}
	if cfg.RefundToleranceCents != 1 {
		t.Errorf("RefundToleranceCents = %d, want 1", cfg.RefundToleranceCents)
	}
}

func TestLoadConfigCoercesInvalidValues(t *testing.T) {
	t.Setenv("DEFAULT_COMMISSION_PERCENT", "10")
	t.Setenv("CLEARANCE_WINDOW_HOURS", "-5")
	t.Setenv("MIN_PAYOUT_THRESHOLD_CENTS", "-100")
	t.Setenv("REFUND_TOLERANCE_CENTS", "-1")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if cfg.ClearanceWindowHours != 168 {
		t.Errorf("non-positive clearance window should fall back to 168, got %d", cfg.ClearanceWindowHours)
	}
	if cfg.MinPayoutThresholdCents != 0 {
		t.Errorf("negative threshold should coerce to 0, got %d", cfg.MinPayoutThresholdCents)
	}
	if cfg.RefundToleranceCents != 0 {
		t.Errorf("negative tolerance should coerce to 0, got %d", cfg.RefundToleranceCents)
	}
}

func TestValidateSettlement(t *testing.T) {
	tests := []struct {
		name    string
		percent float64
		wantErr bool
	}{
		{name: "unconfigured default is fatal", percent: -1, wantErr: true},
		{name: "zero is a valid default", percent: 0, wantErr: false},
		{name: "typical default", percent: 10, wantErr: false},
		{name: "over one hundred is fatal", percent: 101, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{DefaultCommissionPercent: tt.percent}
			err := cfg.ValidateSettlement()
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateSettlement() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
