package validate

import "testing"

func TestHTTPURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{url: "http://tools.local:8080/mcp"},
		{url: "HTTPS://tools.example.com/sse"},
		{url: "", wantErr: true},
		{url: "tools.local/mcp", wantErr: true},
		{url: "file:///etc/passwd", wantErr: true},
		{url: "ws://tools.local", wantErr: true},
		{url: "http://", wantErr: true},
		{url: "http://%zz", wantErr: true},
	}
	for _, tt := range tests {
		err := HTTPURL(tt.url)
		if (err != nil) != tt.wantErr {
			t.Errorf("HTTPURL(%q) err = %v, wantErr %v", tt.url, err, tt.wantErr)
		}
	}
}

func TestRelayURL(t *testing.T) {
	for _, ok := range []string{"ws://127.0.0.1:9000/v1/stream", "wss://relay.example.com", "https://relay.example.com"} {
		if err := RelayURL(ok); err != nil {
			t.Errorf("RelayURL(%q) = %v", ok, err)
		}
	}
	for _, bad := range []string{" ", "ftp://relay", "relay:9000"} {
		if err := RelayURL(bad); err == nil {
			t.Errorf("RelayURL(%q) accepted", bad)
		}
	}
}

func TestPlaintextRemote(t *testing.T) {
	tests := map[string]bool{
		"ws://relay.example.com/v1":  true,
		"http://10.0.0.5:9000":       true,
		"wss://relay.example.com/v1": false,
		"ws://127.0.0.1:9000":        false,
		"ws://localhost:9000":        false,
		"ws://[::1]:9000":            false,
		"https://relay.example.com":  false,
		"%zz":                        false,
	}
	for url, want := range tests {
		if got := PlaintextRemote(url); got != want {
			t.Errorf("PlaintextRemote(%q) = %v, want %v", url, got, want)
		}
	}
}
