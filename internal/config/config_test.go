package config

import "testing"

func TestMasters(t *testing.T) {
	s := MapStore{
		"Server::Master0": "2:master0.example.com:28002",
		"Server::Master1": "0:master1.example.com:28002", // region 0 is invalid
		"Server::Master2": "garbage",
		"Server::Master3": "4:192.0.2.9:28002",
		"Server::Master4": "1:badport.example.com:notaport",
	}
	got := Masters(s)
	if len(got) != 2 {
		t.Fatalf("parsed %d masters, want 2: %+v", len(got), got)
	}
	if got[0].Region != 2 || got[0].Host != "master0.example.com" || got[0].Port != 28002 {
		t.Errorf("first master = %+v", got[0])
	}
	if got[1].Region != 4 || got[1].Host != "192.0.2.9" {
		t.Errorf("second master = %+v", got[1])
	}
}

func TestFavorites(t *testing.T) {
	s := MapStore{
		"Pref::Client::ServerFavoriteCount": "3",
		"Pref::Client::ServerFavorite0":     "Home Server\t192.0.2.1:28000",
		"Pref::Client::ServerFavorite1":     "no tab here",
		"Pref::Client::ServerFavorite2":     "Second\t192.0.2.2:28000",
	}
	got := Favorites(s)
	if len(got) != 2 {
		t.Fatalf("parsed %d favorites, want 2", len(got))
	}
	if got[0].Name != "Home Server" || got[0].Address != "192.0.2.1:28000" {
		t.Errorf("first favorite = %+v", got[0])
	}
}

func TestGetters(t *testing.T) {
	s := MapStore{"int": "42", "badint": "x", "on": "yes", "off": "0"}

	if got := GetInt(s, "int", 1); got != 42 {
		t.Errorf("GetInt = %d", got)
	}
	if got := GetInt(s, "badint", 7); got != 7 {
		t.Errorf("GetInt on unparseable = %d, want default", got)
	}
	if got := GetInt(s, "missing", 7); got != 7 {
		t.Errorf("GetInt on missing = %d, want default", got)
	}
	if !GetBool(s, "on", false) || GetBool(s, "off", true) {
		t.Error("GetBool truthiness wrong")
	}
	if got := GetString(s, "missing", "d"); got != "d" {
		t.Errorf("GetString default = %q", got)
	}
}
