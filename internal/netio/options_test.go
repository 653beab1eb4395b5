package netio

import "testing"

func TestNewDefaultOptions(t *testing.T) {
	opts := NewDefaultOptions()
	if opts.Port != defaultCoordPort {
		t.Errorf("Port = %d, want %d", opts.Port, defaultCoordPort)
	}
	if opts.SessionTimeout != defaultSessionTimeout {
		t.Errorf("SessionTimeout = %s, want %s", opts.SessionTimeout, defaultSessionTimeout)
	}
	if opts.PSK != "" {
		t.Errorf("PSK = %q, want empty default", opts.PSK)
	}
}

func TestNewCoordServerAppliesOptionFunctions(t *testing.T) {
	srv := NewCoordServer(func(o *Options) {
		o.Port = 12345
		o.PSK = "shared-secret"
	})
	if srv.port != 12345 {
		t.Errorf("port = %d, want 12345", srv.port)
	}
	if srv.psk != "shared-secret" {
		t.Errorf("psk = %q, want %q", srv.psk, "shared-secret")
	}
	if srv.sessionTimeout != defaultSessionTimeout {
		t.Errorf("sessionTimeout = %s, want default %s", srv.sessionTimeout, defaultSessionTimeout)
	}
}
