//go:build (darwin || linux) && !nonative

// Shared loader utilities for the purego bindings.

package mirror

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"unsafe"

	"github.com/ebitengine/purego"
)

// Status codes shared by libmirror_codec and libmirror_camera.
const (
	nativeOK            = 0
	nativeAgain         = 1
	nativeEOF           = 2
	nativeError         = -1
	nativeInvalidData   = -2
	nativeInvalidConfig = -3
	nativeNoMem         = -4
)

// goStringFromPtr converts a C string pointer to a Go string.
func goStringFromPtr(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	p := unsafe.Pointer(ptr)
	var length int
	for {
		if *(*byte)(unsafe.Pointer(uintptr(p) + uintptr(length))) == 0 {
			break
		}
		length++
		if length > 1024 { // Safety limit
			break
		}
	}
	if length == 0 {
		return ""
	}
	return string(unsafe.Slice((*byte)(p), length))
}

// cString returns the NUL-terminated contents of a fixed C char array.
func cString(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// findModuleRoot walks up from the working directory to the directory
// containing go.mod.
func findModuleRoot() string {
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := wd
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// nativeLibPaths lists candidate locations of lib<name>, most specific
// first. MIRROR_LIB_PATH names a directory searched before everything else.
func nativeLibPaths(name string) []string {
	libName := "lib" + name + ".so"
	if runtime.GOOS == "darwin" {
		libName = "lib" + name + ".dylib"
	}

	var paths []string
	if dir := os.Getenv("MIRROR_LIB_PATH"); dir != "" {
		paths = append(paths, filepath.Join(dir, libName))
	}

	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(exeDir, libName),
			filepath.Join(exeDir, "..", "lib", libName),
		)
	}

	if root := findModuleRoot(); root != "" {
		paths = append(paths, filepath.Join(root, "build", libName))
	}

	switch runtime.GOOS {
	case "darwin":
		paths = append(paths,
			libName,
			"/usr/local/lib/"+libName,
			"/opt/homebrew/lib/"+libName,
		)
	case "linux":
		paths = append(paths,
			libName,
			"/usr/local/lib/"+libName,
			"/usr/lib/"+libName,
		)
	}
	return paths
}

// dlopenFirst opens the first loadable library among paths.
func dlopenFirst(name string, paths []string) (uintptr, error) {
	var lastErr error
	for _, path := range paths {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err == nil {
			return handle, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return 0, fmt.Errorf("failed to load lib%s: %w", name, lastErr)
	}
	return 0, fmt.Errorf("lib%s not found in any standard location", name)
}

// optionString encodes engine private options as "key=value" pairs joined by
// ';', in key order.
func optionString(opts map[string]string) string {
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(';')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(opts[k])
	}
	return sb.String()
}

// nativeStatus maps a library status code to the engine errors.
func nativeStatus(op string, code int32, lastError func() string) error {
	var base error
	switch code {
	case nativeOK:
		return nil
	case nativeAgain:
		return ErrEngineAgain
	case nativeEOF:
		return ErrEngineEOF
	case nativeInvalidData:
		base = ErrEngineInvalidData
	case nativeInvalidConfig:
		base = ErrEngineInvalidConfig
	case nativeNoMem:
		base = errors.New("out of memory")
	default:
		base = fmt.Errorf("status %d", code)
	}
	return fmt.Errorf("%s: %w: %s", op, base, lastError())
}
