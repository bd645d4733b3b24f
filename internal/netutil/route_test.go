package netutil

import "testing"

func TestDetectRouteLocalIP(t *testing.T) {
	ip, err := DetectRouteLocalIP("8.8.8.8:53")
	if err != nil {
		t.Fatalf("DetectRouteLocalIP: %v", err)
	}
	if ip == nil || ip.IsUnspecified() {
		t.Fatalf("unexpected local ip: %v", ip)
	}
}
