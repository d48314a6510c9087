package webapp

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebAppDefaults(t *testing.T) {
	root := t.TempDir()
	app, err := New(Config{Name: "blog", RootDir: root}, Config{})
	require.NoError(t, err)

	assert.Equal(t, "/blog", app.ContextPath())
	assert.Equal(t, filepath.Join(root, "tmp"), app.WorkDir())
	assert.Equal(t, filepath.Join(root, "log"), app.LogDir())
	assert.Equal(t, filepath.Join(root, "tmp", "restart.txt"), app.Monitor())
	assert.Equal(t, StrategyDefault, app.ReloadStrategy())

	rt, err := app.Runtime()
	require.NoError(t, err)
	assert.Equal(t, KindStatic, rt.Kind)
	assert.Equal(t, filepath.Join(root, "public"), rt.PublicDir)
	assert.Equal(t, "development", rt.Environment)
}

func TestWebAppMonitorPaths(t *testing.T) {
	root := t.TempDir()
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"relative to work dir", Config{Monitor: "reload.txt"}, filepath.Join(root, "tmp", "reload.txt")},
		{"custom work dir", Config{WorkDir: "var"}, filepath.Join(root, "var", "restart.txt")},
		{"absolute", Config{Monitor: "/srv/markers/app.txt"}, "/srv/markers/app.txt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			cfg.Name = "app"
			cfg.RootDir = root
			app, err := New(cfg, Config{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, app.Monitor())
		})
	}
}

func TestWebAppInheritsDefaults(t *testing.T) {
	defaults := Config{
		ReloadStrategy: "rolling",
		Environment:    "production",
		Env:            map[string]string{"TZ": "UTC", "LEVEL": "info"},
	}
	app, err := New(Config{
		Name:    "default",
		RootDir: t.TempDir(),
		Env:     map[string]string{"LEVEL": "debug"},
	}, defaults)
	require.NoError(t, err)

	assert.Equal(t, "/", app.ContextPath())
	assert.Equal(t, StrategyRolling, app.ReloadStrategy())
	assert.Equal(t, map[string]string{"TZ": "UTC", "LEVEL": "debug"}, app.Config().Env)
}

func TestWebAppRejectsBadNames(t *testing.T) {
	for _, name := range []string{"", "a/b", "..", "x\x00"} {
		_, err := New(Config{Name: name, RootDir: t.TempDir()}, Config{})
		assert.Error(t, err, "name %q", name)
	}
	_, err := New(Config{Name: "app"}, Config{})
	assert.Error(t, err, "root dir is required")
}

func TestWebAppDescriptorCachedUntilReset(t *testing.T) {
	root := t.TempDir()
	descriptor := filepath.Join(root, DescriptorName)
	require.NoError(t, os.WriteFile(descriptor, []byte(`
kind: process
command: ["./server", "--quiet"]
reload_strategy: rolling
env:
  WORKERS: "2"
`), 0644))

	app, err := New(Config{Name: "api", RootDir: root}, Config{})
	require.NoError(t, err)

	rt, err := app.Runtime()
	require.NoError(t, err)
	assert.Equal(t, KindProcess, rt.Kind)
	assert.Equal(t, []string{"./server", "--quiet"}, rt.Command)
	assert.Equal(t, StrategyRolling, rt.ReloadStrategy)
	assert.Contains(t, rt.Env, "WORKERS=2")
	assert.Contains(t, rt.Env, "APP_NAME=api")

	require.NoError(t, os.WriteFile(descriptor, []byte("kind: static\n"), 0644))
	rt, err = app.Runtime()
	require.NoError(t, err)
	assert.Equal(t, KindProcess, rt.Kind, "descriptor is cached")

	app.Reset()
	rt, err = app.Runtime()
	require.NoError(t, err)
	assert.Equal(t, KindStatic, rt.Kind)
	assert.Equal(t, StrategyDefault, app.ReloadStrategy())
}

func TestWebAppConfigWinsOverDescriptor(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, DescriptorName), []byte("reload_strategy: rolling\nport: 9000\n"), 0644))

	app, err := New(Config{Name: "api", RootDir: root, ReloadStrategy: "restart"}, Config{})
	require.NoError(t, err)
	rt, err := app.Runtime()
	require.NoError(t, err)
	assert.Equal(t, StrategyRestart, rt.ReloadStrategy)
	assert.Equal(t, 9000, rt.Port)
}

func TestWebAppBadDescriptor(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, DescriptorName), []byte("kind: [unclosed"), 0644))

	app, err := New(Config{Name: "api", RootDir: root, ReloadStrategy: "rolling"}, Config{})
	require.NoError(t, err)
	_, err = app.Runtime()
	assert.Error(t, err)
	assert.Equal(t, StrategyRolling, app.ReloadStrategy(), "falls back to deployment config")
}

func TestParseReloadStrategy(t *testing.T) {
	assert.Equal(t, StrategyDefault, ParseReloadStrategy(""))
	assert.Equal(t, StrategyDefault, ParseReloadStrategy("Default"))
	assert.Equal(t, StrategyRolling, ParseReloadStrategy(" ROLLING "))
	assert.Equal(t, ReloadStrategy("blue-green"), ParseReloadStrategy("blue-green"))
}

func TestScan(t *testing.T) {
	base := t.TempDir()
	for _, dir := range []string{"default", "shop", "admin", ".git", "backup-2024", "tomcat.8080"} {
		require.NoError(t, os.Mkdir(filepath.Join(base, dir), 0755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(base, "README"), nil, 0644))

	configs, err := Scan(base, []string{"backup-*", "tomcat.*"})
	require.NoError(t, err)

	want := []Config{
		{Name: "admin", ContextPath: "/admin", RootDir: filepath.Join(base, "admin")},
		{Name: "default", ContextPath: "/", RootDir: filepath.Join(base, "default")},
		{Name: "shop", ContextPath: "/shop", RootDir: filepath.Join(base, "shop")},
	}
	if diff := cmp.Diff(want, configs); diff != "" {
		t.Errorf("Scan() mismatch (-want +got):\n%s", diff)
	}
}

func TestScanBadPattern(t *testing.T) {
	_, err := Scan(t.TempDir(), []string{"[unclosed"})
	assert.Error(t, err)
}

func TestResolve(t *testing.T) {
	t.Run("default app when nothing configured", func(t *testing.T) {
		configs, err := Resolve(nil, "", nil, "/srv/app")
		require.NoError(t, err)
		assert.Equal(t, []Config{{Name: "default", ContextPath: "/", RootDir: "/srv/app"}}, configs)
	})

	t.Run("explicit entries win", func(t *testing.T) {
		base := t.TempDir()
		require.NoError(t, os.Mkdir(filepath.Join(base, "shop"), 0755))
		require.NoError(t, os.Mkdir(filepath.Join(base, "blog"), 0755))

		explicit := []Config{{Name: "shop", RootDir: "/opt/shop", ReloadStrategy: "rolling"}}
		configs, err := Resolve(explicit, base, nil, "")
		require.NoError(t, err)
		require.Len(t, configs, 2)
		assert.Equal(t, "/opt/shop", configs[0].RootDir)
		assert.Equal(t, "blog", configs[1].Name)
	})

	t.Run("duplicate explicit entries", func(t *testing.T) {
		_, err := Resolve([]Config{{Name: "a"}, {Name: "a"}}, "", nil, "")
		assert.Error(t, err)
	})
}

func TestHolderTryLockIsExclusive(t *testing.T) {
	app, err := New(Config{Name: "app", RootDir: t.TempDir()}, Config{})
	require.NoError(t, err)
	h := NewHolder(app, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h.TryLock() {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, acquired)
	assert.True(t, h.Locked())
	h.Unlock()
	assert.False(t, h.Locked())
	assert.True(t, h.TryLock())
}
