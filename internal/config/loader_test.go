package config

import (
	"errors"
	"testing"
)

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
StoragePath = "./data"
UpstreamTimeout = "boom"

[[App]]
Name = "converter"
Domain = "converter.local"
Origin = "https://converter.example.com"
Generation = "converter-v1"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadRejectsAppLevelPort(t *testing.T) {
	cfg := `
StoragePath = "./data"

[[App]]
Name = "converter"
Domain = "converter.local"
Port = 6000
Origin = "https://converter.example.com"
Generation = "converter-v1"
`
	path := writeTempConfig(t, cfg)
	_, err := Load(path)
	var fieldErr FieldError
	if !errors.As(err, &fieldErr) || fieldErr.Field != "App[converter].Port" {
		t.Fatalf("App 级 Port 应被拒绝, got %v", err)
	}
}

func TestLoadNormalizesStrategyCase(t *testing.T) {
	cfg := `
StoragePath = "./data"
StorageBackend = "SQLite"

[[App]]
Name = "converter"
Domain = "converter.local"
Origin = "https://converter.example.com"
Generation = " converter-v1 "
SeedStrategy = " Derived "
Seeds = ["index.html"]
InstallFailureMode = "STRICT"
`
	path := writeTempConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	app := loaded.Apps[0]
	if app.SeedStrategy != "derived" || app.InstallFailureMode != "strict" {
		t.Fatalf("策略名称应被标准化: %+v", app)
	}
	if app.Generation != "converter-v1" {
		t.Fatalf("Generation 应去除首尾空白: %q", app.Generation)
	}
	if loaded.Global.StorageBackend != "sqlite" {
		t.Fatalf("StorageBackend 应被标准化: %s", loaded.Global.StorageBackend)
	}
}
