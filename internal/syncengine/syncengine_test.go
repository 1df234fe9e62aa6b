package syncengine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/csnewman/exoinstall/internal/apkinfo"
	"github.com/csnewman/exoinstall/internal/devcap"
	"github.com/csnewman/exoinstall/internal/devcap/devcaptest"
	"github.com/csnewman/exoinstall/internal/exoplan"
	"github.com/csnewman/exoinstall/internal/parse"
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

func s1Manifest(t *testing.T) exoplan.Manifest {
	t.Helper()

	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "dex", "metadata.txt"), "libs.dex.jar h1\n")
	writeFile(t, filepath.Join(dir, "dex", "libs.dex.jar"), "dex-bytes")

	writeFile(t, filepath.Join(dir, "native", "arm64-v8a", "metadata.txt"), "libx.so h2\n")
	writeFile(t, filepath.Join(dir, "native", "arm64-v8a", "libx.so"), "so-bytes")

	return exoplan.Manifest{
		DexMetadataPath: filepath.Join(dir, "dex", "metadata.txt"),
		NativeLibsDir:   filepath.Join(dir, "native"),
	}
}

func TestRun_S1_FreshInstall(t *testing.T) {
	is := is.New(t)

	d := devcaptest.New("emulator-5554")
	d.SeedProp("ro.product.cpu.abilist", "arm64-v8a")

	cfg := Config{
		Package:  "com.x.app",
		Manifest: s1Manifest(t),
	}

	result, err := Run(context.Background(), d, cfg, nil, nil)
	is.NoErr(err)
	is.True(result.Reinstalled) // no PackageInfo seeded -> must install
	is.True(err == nil)

	files := d.Files()
	is.Equal(files["/data/local/tmp/exopackage/com.x.app/secondary-dex/h1.dex.jar"], "dex-bytes")
	is.Equal(files["/data/local/tmp/exopackage/com.x.app/secondary-dex/metadata.txt"], "libs.dex.jar h1\n")
	is.Equal(files["/data/local/tmp/exopackage/com.x.app/native-libs/arm64-v8a/h2.so"], "so-bytes")
	is.Equal(files["/data/local/tmp/exopackage/com.x.app/native-libs/arm64-v8a/metadata.txt"], "libx.so h2\n")
	is.Equal(files["/data/local/tmp/exopackage/com.x.app/native-libs/metadata.txt"], "arm64-v8a\n")
}

func TestRun_S2_NoOpReinstall(t *testing.T) {
	is := is.New(t)

	d := devcaptest.New("emulator-5554")
	d.SeedProp("ro.product.cpu.abilist", "arm64-v8a")

	manifest := s1Manifest(t)
	cfg := Config{Package: "com.x.app", Manifest: manifest}

	ctx := context.Background()
	_, err := Run(ctx, d, cfg, nil, nil)
	is.NoErr(err)

	// Seed installed-package state matching the just-installed apk so the
	// second run's signature check reports "already up to date".
	d.SeedPackageInfo(&parse.PackageInfo{
		ApkPath:           "/data/app/com.x.app-1/base.apk",
		NativeLibraryPath: "/data/app-lib/com.x.app-1",
		VersionCode:       "1",
	})
	d.SeedSignature("/data/app/com.x.app-1/base.apk", "sig-abc")

	cfg.Apk = &apkinfo.ApkInfo{
		Path:      filepath.Join(t.TempDir(), "app.apk"),
		Signature: func() (string, error) { return "sig-abc", nil },
	}

	beforePushed := len(d.PushedCalls())
	beforeRm := len(d.RmCalls())

	result, err := Run(ctx, d, cfg, nil, nil)
	is.NoErr(err)
	is.True(!result.Reinstalled)
	is.Equal(len(d.PushedCalls()), beforePushed) // no receive-file calls
	is.Equal(len(d.RmCalls()), beforeRm)          // no rm calls
	is.True(len(d.StopCalls()) > 0)               // stopPackage is invoked
}

func TestRun_S3_PartialReplacement(t *testing.T) {
	is := is.New(t)

	d := devcaptest.New("emulator-5554")
	d.SeedProp("ro.product.cpu.abilist", "arm64-v8a")

	manifest := s1Manifest(t)
	cfg := Config{Package: "com.x.app", Manifest: manifest}

	ctx := context.Background()
	_, err := Run(ctx, d, cfg, nil, nil)
	is.NoErr(err)

	// Change h1 to h1'.
	writeFile(t, manifest.DexMetadataPath, "libs.dex.jar h1p\n")

	_, err = Run(ctx, d, cfg, nil, nil)
	is.NoErr(err)

	files := d.Files()
	root := "/data/local/tmp/exopackage/com.x.app"
	_, oldStillThere := files[root+"/secondary-dex/h1.dex.jar"]
	is.True(!oldStillThere)
	is.Equal(files[root+"/secondary-dex/h1p.dex.jar"], "dex-bytes")
	is.Equal(files[root+"/secondary-dex/metadata.txt"], "libs.dex.jar h1p\n")
	// Native tree untouched.
	is.Equal(files[root+"/native-libs/arm64-v8a/h2.so"], "so-bytes")
}

func TestRun_S4_LockPreserved(t *testing.T) {
	is := is.New(t)

	d := devcaptest.New("emulator-5554")
	d.SeedProp("ro.product.cpu.abilist", "arm64-v8a")

	root := "/data/local/tmp/exopackage/com.x.app"
	d.SeedFile(root+"/lock", "held")

	cfg := Config{Package: "com.x.app", Manifest: s1Manifest(t)}

	_, err := Run(context.Background(), d, cfg, nil, nil)
	is.NoErr(err)

	files := d.Files()
	is.Equal(files[root+"/lock"], "held")
}

func TestRun_S5_ChunkedDeletion(t *testing.T) {
	is := is.New(t)

	d := devcaptest.New("emulator-5554")
	d.SeedProp("ro.product.cpu.abilist", "arm64-v8a")

	root := "/data/local/tmp/exopackage/com.x.app"

	for i := 0; i < 500; i++ {
		d.SeedFile(fmt.Sprintf("%s/secondary-dex/unwanted-%d.dex.jar", root, i), "stale")
	}

	cfg := Config{Package: "com.x.app", Manifest: s1Manifest(t)}

	_, err := Run(context.Background(), d, cfg, nil, nil)
	is.NoErr(err)

	total := 0
	for _, call := range d.RmCalls() {
		total += len(call)
	}

	is.Equal(total, 500)

	files := d.Files()
	for i := 0; i < 500; i++ {
		_, ok := files[fmt.Sprintf("%s/secondary-dex/unwanted-%d.dex.jar", root, i)]
		is.True(!ok)
	}
}

func TestRun_TargetedKillWhenNoReinstall(t *testing.T) {
	is := is.New(t)

	d := devcaptest.New("emulator-5554")
	d.SeedProp("ro.product.cpu.abilist", "arm64-v8a")

	cfg := Config{Package: "com.x.app", Manifest: s1Manifest(t)}
	ctx := context.Background()

	_, err := Run(ctx, d, cfg, nil, nil)
	is.NoErr(err)

	d.SeedPackageInfo(&parse.PackageInfo{
		ApkPath:           "/data/app/com.x.app-1/base.apk",
		NativeLibraryPath: "/data/app-lib/com.x.app-1",
		VersionCode:       "1",
	})
	d.SeedSignature("/data/app/com.x.app-1/base.apk", "sig-abc")

	cfg.Apk = &apkinfo.ApkInfo{
		Path:      filepath.Join(t.TempDir(), "app.apk"),
		Signature: func() (string, error) { return "sig-abc", nil },
	}
	cfg.ProcessName = "com.x.app"

	d.SetKillResult(devcap.NotRunning, nil)

	// The first Run reinstalled, so it force-stopped once already.
	beforeStop := len(d.StopCalls())

	result, err := Run(ctx, d, cfg, nil, nil)
	is.NoErr(err)
	is.Equal(result.Kill, devcap.NotRunning)
	is.Equal(len(d.StopCalls()), beforeStop)
	is.Equal(len(d.KillCalls()), 1)
}
