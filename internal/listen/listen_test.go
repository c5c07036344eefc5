package listen

import "testing"

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    Config
		wantErr bool
	}{
		{name: "empty keeps default", input: "", want: Default()},
		{name: "port only stays on loopback", input: "19080", want: Config{Host: "127.0.0.1", Port: 19080}},
		{name: "prefixed port binds all", input: ":19081", want: Config{Host: "", Port: 19081}},
		{name: "host only defaults port", input: "0.0.0.0", want: Config{Host: "0.0.0.0", Port: defaultPort}},
		{name: "host and port", input: "127.0.0.1:20000", want: Config{Host: "127.0.0.1", Port: 20000}},
		{name: "ipv6 host only", input: "[::1]", want: Config{Host: "::1", Port: defaultPort}},
		{name: "ipv6 host and port", input: "[::]:21000", want: Config{Host: "::", Port: 21000}},
		{name: "zero picks a free port", input: "127.0.0.1:0", want: Config{Host: "127.0.0.1", Port: 0}},
		{name: "invalid port", input: ":abc", wantErr: true},
		{name: "negative port", input: "127.0.0.1:-1", wantErr: true},
		{name: "port out of range", input: "127.0.0.1:70000", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := Parse(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Fatalf("Parse(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestAddressAndBaseURL(t *testing.T) {
	t.Parallel()

	cfg := Default()
	if got := cfg.Address(); got != "127.0.0.1:18180" {
		t.Fatalf("Address = %s", got)
	}
	if got := cfg.BaseURL(); got != "http://127.0.0.1:18180" {
		t.Fatalf("BaseURL = %s", got)
	}
	if !cfg.Loopback() {
		t.Fatalf("expected default to be loopback")
	}

	all := Config{Port: 18181}
	if got := all.Address(); got != ":18181" {
		t.Fatalf("Address all interfaces = %s", got)
	}
	if got := all.BaseURL(); got != "http://localhost:18181" {
		t.Fatalf("BaseURL all interfaces = %s", got)
	}
	if all.Loopback() {
		t.Fatalf("expected wildcard bind to be non-loopback")
	}

	ipv6 := Config{Host: "::1", Port: 18182}
	if got := ipv6.BaseURL(); got != "http://[::1]:18182" {
		t.Fatalf("BaseURL ipv6 = %s", got)
	}
}
