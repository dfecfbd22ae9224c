package wifi

import (
	"context"
	"errors"
	"testing"
)

func TestConnectionSettingsProtected(t *testing.T) {
	s := connectionSettings("Wink Module: Update Access Point", "hunter2hunter2!!")

	if got := s["connection"]["type"].Value(); got != "802-11-wireless" {
		t.Errorf("connection.type = %v", got)
	}
	ssid, ok := s["802-11-wireless"]["ssid"].Value().([]byte)
	if !ok || string(ssid) != "Wink Module: Update Access Point" {
		t.Errorf("ssid = %v", s["802-11-wireless"]["ssid"].Value())
	}
	if hidden := s["802-11-wireless"]["hidden"].Value(); hidden != false {
		t.Errorf("hidden = %v, want false", hidden)
	}
	sec, ok := s["802-11-wireless-security"]
	if !ok {
		t.Fatal("security section missing")
	}
	if sec["key-mgmt"].Value() != "wpa-psk" || sec["psk"].Value() != "hunter2hunter2!!" {
		t.Errorf("security = %v", sec)
	}
}

func TestConnectionSettingsOpen(t *testing.T) {
	s := connectionSettings("open-ap", "")
	if _, ok := s["802-11-wireless-security"]; ok {
		t.Error("open network should not carry a security section")
	}
}

func TestUnavailable(t *testing.T) {
	cause := errors.New("no NetworkManager")
	u := Unavailable{Err: cause}
	if err := u.Join(context.Background(), "ap", "pw"); !errors.Is(err, cause) {
		t.Errorf("Join() error = %v, want wrapped cause", err)
	}
	if err := u.Leave(context.Background()); err != nil {
		t.Errorf("Leave() error = %v", err)
	}
}
