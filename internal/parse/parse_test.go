package parse

import (
	"sort"
	"testing"

	"github.com/csnewman/exoinstall/internal/xerr"
	"github.com/matryer/is"
)

func TestListDirRecursive(t *testing.T) {
	is := is.New(t)

	output := "" +
		"/data/local/tmp/exopackage/com.x:\n" +
		"lock\n" +
		"secondary-dex\n" +
		"\n" +
		"/data/local/tmp/exopackage/com.x/secondary-dex:\n" +
		"metadata.txt\n" +
		"h1.dex.jar\n"

	files, err := ListDirRecursive(output, "/data/local/tmp/exopackage/com.x")
	is.NoErr(err)

	sort.Strings(files)
	is.Equal(files, []string{
		"lock",
		"secondary-dex/h1.dex.jar",
		"secondary-dex/metadata.txt",
	})
}

func TestListDirRecursive_EmptyRoot(t *testing.T) {
	is := is.New(t)

	files, err := ListDirRecursive("/data/local/tmp/exopackage/com.x:\n", "/data/local/tmp/exopackage/com.x")
	is.NoErr(err)
	is.Equal(len(files), 0)
}

func TestListDirRecursive_EntryBeforeHeader(t *testing.T) {
	is := is.New(t)

	_, err := ListDirRecursive("stray-file\n", "/root")
	is.True(err != nil)
	is.Equal(xerr.CategoryOf(err), xerr.Malformed)
}

func TestParsePathAndPackageInfo_NotInstalled(t *testing.T) {
	is := is.New(t)

	info, err := ParsePathAndPackageInfo("Error: not found\n", "com.x")
	is.NoErr(err)
	is.True(info == nil)
}

func TestParsePathAndPackageInfo_SkipsLinkerWarning(t *testing.T) {
	is := is.New(t)

	output := "" +
		"WARNING: linker: /system/bin/dumpsys: unused DT entry\n" +
		"package:/data/app/com.x-1/base.apk\n" +
		"  Package [com.x] (abcdef):\n" +
		"    codePath=/data/app/com.x-1\n" +
		"    resourcePath=/data/app/com.x-1\n" +
		"    nativeLibraryPath=/data/app-lib/com.x-1\n" +
		"    versionCode=42 targetSdk=23\n"

	info, err := ParsePathAndPackageInfo(output, "com.x")
	is.NoErr(err)
	is.Equal(info.ApkPath, "/data/app/com.x-1/base.apk")
	is.Equal(info.NativeLibraryPath, "/data/app-lib/com.x-1")
	is.Equal(info.VersionCode, "42")
}

// S6.
func TestParsePathAndPackageInfo_S6(t *testing.T) {
	is := is.New(t)

	output := "" +
		"package:/data/app/com.x-1\n" +
		"  Package [com.x] (abcdef):\n" +
		"    codePath=/data/app/com.x-1\n" +
		"    resourcePath=/data/app/com.x-1\n" +
		"    nativeLibraryPath=/data/app-lib/com.x-1\n" +
		"    versionCode=42 targetSdk=23\n"

	info, err := ParsePathAndPackageInfo(output, "com.x")
	is.NoErr(err)
	is.Equal(info.ApkPath, "/data/app/com.x-1/base.apk")
	is.Equal(info.NativeLibraryPath, "/data/app-lib/com.x-1")
	is.Equal(info.VersionCode, "42")
}

func TestParsePathAndPackageInfo_StopsAtNextPackage(t *testing.T) {
	is := is.New(t)

	output := "" +
		"package:/data/app/com.x-1/base.apk\n" +
		"  Package [com.other] (1111):\n" +
		"    codePath=/data/app/com.other-1\n" +
		"  Package [com.x] (2222):\n" +
		"    codePath=/data/app/com.x-1\n" +
		"    resourcePath=/data/app/com.x-1\n" +
		"    nativeLibraryPath=/data/app-lib/com.x-1\n" +
		"    versionCode=1\n" +
		"  Package [com.after] (3333):\n" +
		"    codePath=/data/app/com.after-1\n"

	info, err := ParsePathAndPackageInfo(output, "com.x")
	is.NoErr(err)
	is.Equal(info.VersionCode, "1")
}

func TestParsePathAndPackageInfo_MissingKey(t *testing.T) {
	is := is.New(t)

	output := "" +
		"package:/data/app/com.x-1/base.apk\n" +
		"  Package [com.x] (abcdef):\n" +
		"    codePath=/data/app/com.x-1\n" +
		"    resourcePath=/data/app/com.x-1\n"

	_, err := ParsePathAndPackageInfo(output, "com.x")
	is.True(err != nil)
	is.Equal(xerr.CategoryOf(err), xerr.Malformed)
}

func TestParseManifestEntries_RoundTrip(t *testing.T) {
	is := is.New(t)

	entries := []ManifestEntry{
		{Name: "libx.so", Hash: "h2"},
		{Name: "liby.so", Hash: "h3"},
	}

	serialized := SerializeManifestEntries(entries)

	got, err := ParseManifestEntries(serialized)
	is.NoErr(err)
	is.Equal(got, entries)
}

func TestParseExopackageInfoMetadata_RoundTrip(t *testing.T) {
	is := is.New(t)

	entries := []ManifestEntry{
		{Name: "a.dex.jar", Hash: "h1"},
		{Name: "b.dex.jar", Hash: "h1"}, // duplicate hash allowed (multimap)
		{Name: "c.dex.jar", Hash: "h2"},
	}
	serialized := SerializeManifestEntries(entries)

	m, err := ParseExopackageInfoMetadata(serialized, ResolveBaseFunc(func(n string) string { return n }))
	is.NoErr(err)
	is.Equal(len(m["h1"]), 2)
	is.Equal(len(m["h2"]), 1)
}

func TestParseExopackageInfoMetadata_SkipsComments(t *testing.T) {
	is := is.New(t)

	text := ".this is a comment\nlibx.so h2\n"

	m, err := ParseExopackageInfoMetadata(text, ResolveBaseFunc(func(n string) string { return n }))
	is.NoErr(err)
	is.Equal(len(m), 1)
	is.Equal(m["h2"][0], "libx.so")
}

func TestParseManifestEntries_MalformedLine(t *testing.T) {
	is := is.New(t)

	_, err := ParseManifestEntries("onlyonetoken\n")
	is.True(err != nil)
	is.Equal(xerr.CategoryOf(err), xerr.Malformed)
}

func TestValidateSignatureLine(t *testing.T) {
	is := is.New(t)

	sig, err := ValidateSignatureLine("  abc123  \n")
	is.NoErr(err)
	is.Equal(sig, "abc123")

	_, err = ValidateSignatureLine("abc\n123")
	is.True(err != nil)
	is.Equal(xerr.CategoryOf(err), xerr.Malformed)
}
