package security

import (
	"log/slog"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func TestBaseFunction(t *testing.T) {
	for in, want := range map[string]string{
		"weather_forecast_0":                "weather_forecast",
		"chat_ability_dynamic_functions_12": "chat_ability_dynamic_functions",
		"wizards_wand":                      "wizards_wand",
		"v2_api":                            "v2_api",
	} {
		if got := BaseFunction(in); got != want {
			t.Errorf("BaseFunction(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPermissions(t *testing.T) {
	p := NewPermissions(map[int64]UserPermissions{
		1: {IsAdmin: true},
		2: {Skills: []string{"llama_13b"}, Applications: []string{"weather_forecast"}},
	}, UserPermissions{Skills: []string{"bge_large"}})

	admin := p.UserPermissions(1)
	if !admin.CanUseSkill("anything") || !admin.CanUseFunction("anything_3") {
		t.Error("admin should be allowed everything")
	}

	user := p.UserPermissions(2)
	if !user.CanUseFunction("weather_forecast_1") || user.CanUseFunction("stock_price_0") {
		t.Error("function permission should follow the application")
	}
	if diff := cmp.Diff([]string{"llama_13b"}, user.FilterSkills([]string{"sdxl", "llama_13b"})); diff != "" {
		t.Errorf("filtered skills mismatch (-want +got):\n%s", diff)
	}

	if !p.UserPermissions(99).CanUseSkill("bge_large") {
		t.Error("unknown users should get the default permissions")
	}

	p.Replace(nil, UserPermissions{})
	if p.UserPermissions(2).CanUseSkill("llama_13b") {
		t.Error("Replace should drop old entries")
	}
	if p.UserPermissions(99).CanUseSkill("bge_large") {
		t.Error("Replace should swap the default")
	}
	var none *UserPermissions
	if none.CanUseSkill("x") || none.CanUseFunction("x") {
		t.Error("nil permissions allow nothing")
	}
}
