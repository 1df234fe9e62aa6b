package installer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/csnewman/exoinstall/internal/devcap"
	"github.com/csnewman/exoinstall/internal/devcap/devcaptest"
	"github.com/csnewman/exoinstall/internal/events"
	"github.com/csnewman/exoinstall/internal/exoplan"
	"github.com/csnewman/exoinstall/internal/parse"
	"github.com/csnewman/exoinstall/internal/xlog"
	"github.com/matryer/is"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func testManifest(t *testing.T) exoplan.Manifest {
	t.Helper()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "dex", "metadata.txt"), "libs.dex.jar h1\n")
	writeFile(t, filepath.Join(dir, "dex", "libs.dex.jar"), "dex-bytes")

	return exoplan.Manifest{DexMetadataPath: filepath.Join(dir, "dex", "metadata.txt")}
}

// factoryFor returns a CapabilitiesFactory serving pre-built devcaptest
// devices keyed by serial, plugged into the same CapabilitiesFactory hook
// that defaultCapabilitiesFactory fills in production; it returns the
// devices directly rather than resolving them through devcap.Resolve.
func factoryFor(devices map[string]*devcaptest.Device) CapabilitiesFactory {
	return func(_ Options, serial string, _ int, _ *xlog.Logger) (devcap.Capabilities, error) {
		return devices[serial], nil
	}
}

func TestInstall_AllDevicesSucceed(t *testing.T) {
	is := is.New(t)

	agentBin := filepath.Join(t.TempDir(), "agent")
	writeFile(t, agentBin, "agent-bytes")

	d1 := devcaptest.New("dev1")
	d1.SeedProp("ro.product.cpu.abilist", "arm64-v8a")

	d2 := devcaptest.New("dev2")
	d2.SeedProp("ro.product.cpu.abilist", "arm64-v8a")

	inst := New(nil, factoryFor(map[string]*devcaptest.Device{"dev1": d1, "dev2": d2}))

	opts := Options{
		AdbPath:         "adb",
		AgentDevicePath: "/data/local/tmp/exopackage-agent",
		LocalAgentPath:  agentBin,
		SecretKeySize:   16,
		Package:         "com.x.app",
		Manifest:        testManifest(t),
	}

	success, results := inst.Install(context.Background(), []Device{{Serial: "dev1"}, {Serial: "dev2"}}, opts)
	is.True(success)
	is.Equal(len(results), 2)
	is.NoErr(results["dev1"])
	is.NoErr(results["dev2"])

	is.Equal(d1.Files()["/data/local/tmp/exopackage/com.x.app/secondary-dex/h1.dex.jar"], "dex-bytes")
	is.Equal(d2.Files()["/data/local/tmp/exopackage/com.x.app/secondary-dex/h1.dex.jar"], "dex-bytes")
	is.Equal(d1.Files()[opts.AgentDevicePath], "agent-bytes")
}

func TestInstall_OneDeviceFailsRestSucceed(t *testing.T) {
	is := is.New(t)

	agentBin := filepath.Join(t.TempDir(), "agent")
	writeFile(t, agentBin, "agent-bytes")

	ok := devcaptest.New("ok")
	ok.SeedProp("ro.product.cpu.abilist", "arm64-v8a")

	// broken already has PackageInfo, so its reinstall check needs a local
	// Apk to compare signatures against; none is supplied, so it must fail
	// while ok (which always reinstalls fresh) succeeds.
	broken := devcaptest.New("broken")
	broken.SeedProp("ro.product.cpu.abilist", "arm64-v8a")
	broken.SeedPackageInfo(&parse.PackageInfo{
		ApkPath:           "/data/app/com.x.app-1/base.apk",
		NativeLibraryPath: "/data/app-lib/com.x.app-1",
		VersionCode:       "1",
	})

	inst := New(nil, factoryFor(map[string]*devcaptest.Device{"ok": ok, "broken": broken}))

	opts := Options{
		AdbPath:         "adb",
		AgentDevicePath: "/data/local/tmp/exopackage-agent",
		LocalAgentPath:  agentBin,
		SecretKeySize:   16,
		Package:         "com.x.app",
		Manifest:        testManifest(t),
	}

	success, results := inst.Install(context.Background(), []Device{{Serial: "ok"}, {Serial: "broken"}}, opts)
	is.True(!success)
	is.NoErr(results["ok"])
	is.True(results["broken"] != nil)
}

func TestInstall_SingleUse(t *testing.T) {
	is := is.New(t)

	agentBin := filepath.Join(t.TempDir(), "agent")
	writeFile(t, agentBin, "agent-bytes")

	d := devcaptest.New("dev1")
	d.SeedProp("ro.product.cpu.abilist", "arm64-v8a")

	inst := New(nil, factoryFor(map[string]*devcaptest.Device{"dev1": d}))

	opts := Options{
		AdbPath:         "adb",
		AgentDevicePath: "/data/local/tmp/exopackage-agent",
		LocalAgentPath:  agentBin,
		SecretKeySize:   16,
		Package:         "com.x.app",
		Manifest:        testManifest(t),
	}

	_, results := inst.Install(context.Background(), []Device{{Serial: "dev1"}}, opts)
	is.NoErr(results["dev1"])

	success, results2 := inst.Install(context.Background(), []Device{{Serial: "dev1"}}, opts)
	is.True(!success)
	is.True(results2[""] != nil)
}

func TestInstall_PublishesLifecycleEvents(t *testing.T) {
	is := is.New(t)

	agentBin := filepath.Join(t.TempDir(), "agent")
	writeFile(t, agentBin, "agent-bytes")

	d := devcaptest.New("dev1")
	d.SeedProp("ro.product.cpu.abilist", "arm64-v8a")

	inst := New(nil, factoryFor(map[string]*devcaptest.Device{"dev1": d}))

	listener := inst.Events().Listener()

	opts := Options{
		AdbPath:         "adb",
		AgentDevicePath: "/data/local/tmp/exopackage-agent",
		LocalAgentPath:  agentBin,
		SecretKeySize:   16,
		Package:         "com.x.app",
		Manifest:        testManifest(t),
	}

	done := make(chan bool)

	go func() {
		for {
			ev, err := listener.Wait()
			if err != nil {
				done <- false
				return
			}

			if ev.Kind == events.KindInstallFinished {
				done <- ev.Success
				return
			}
		}
	}()

	_, _ = inst.Install(context.Background(), []Device{{Serial: "dev1"}}, opts)

	is.True(<-done)
}
