package transport

import "testing"

func TestSocketURL(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"https://api.example.com/chat", "wss://api.example.com/chat"},
		{"http://localhost:8000", "ws://localhost:8000"},
		{"http://localhost:8000/ws?debug=1", "ws://localhost:8000/ws"},
		{"ws://localhost:8000", "ws://localhost:8000"},
		{"wss://api.example.com/socket?token=x", "wss://api.example.com/socket?token=x"},
		{"ftp://files.example.com/x", "ws://files.example.com/x"},
		{"not a url", "not a url"},
		{"localhost:8000", "localhost:8000"},
	}
	for _, c := range cases {
		if got := SocketURL(c.in); got != c.want {
			t.Errorf("SocketURL(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestBackoffSchedule(t *testing.T) {
	c := New(Config{URL: "ws://x"}, nil)
	want := map[int]string{1: "3s", 2: "6s", 5: "15s", 10: "30s", 11: "30s"}
	for attempt, w := range want {
		if got := c.backoff(attempt).String(); got != w {
			t.Errorf("backoff(%d) = %s, want %s", attempt, got, w)
		}
	}
}
