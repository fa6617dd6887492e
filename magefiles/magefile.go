//go:build mage

// Package main provides build targets for the splitsync project using Mage.
//
// Usage:
//
//	mage build      Compile splitsync binary to bin/
//	mage test       Run all tests
//	mage testUnit   Run tests in short mode
//	mage testRace   Run all tests with the race detector
//	mage cover      Write coverage.out and print per-function coverage
//	mage lint       Run golangci-lint
//	mage serve      Build and run the server with the local config
//	mage clean      Remove build artifacts
//	mage install    Install splitsync to GOPATH/bin
package main

import (
	"os"
	"path/filepath"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const (
	binaryName   = "splitsync"
	binaryDir    = "bin"
	cmdDir       = "./cmd/splitsync"
	coverageFile = "coverage.out"
	versionVar   = "github.com/mesh-intelligence/splitsync/internal/cli.Version"
)

// Build compiles the splitsync binary to bin/. VERSION, when set, is
// stamped into the binary.
func Build() error {
	if err := os.MkdirAll(binaryDir, 0o755); err != nil {
		return err
	}
	args := []string{"build", "-v"}
	if v := os.Getenv("VERSION"); v != "" {
		args = append(args, "-ldflags", "-X "+versionVar+"="+v)
	}
	args = append(args, "-o", filepath.Join(binaryDir, binaryName), cmdDir)
	return sh.RunV("go", args...)
}

// Test runs all tests.
func Test() error {
	return sh.RunV("go", "test", "./...")
}

// TestUnit runs tests in short mode.
func TestUnit() error {
	return sh.RunV("go", "test", "-short", "./...")
}

// TestRace runs all tests with the race detector.
func TestRace() error {
	return sh.RunV("go", "test", "-race", "./...")
}

// Cover writes a coverage profile and prints the per-function summary.
func Cover() error {
	if err := sh.RunV("go", "test", "-coverprofile="+coverageFile, "./..."); err != nil {
		return err
	}
	return sh.RunV("go", "tool", "cover", "-func="+coverageFile)
}

// Lint runs golangci-lint.
func Lint() error {
	return sh.RunV("golangci-lint", "run", "./...")
}

// Serve builds the binary and runs the server.
func Serve() error {
	mg.Deps(Build)
	return sh.RunV(filepath.Join(binaryDir, binaryName), "serve")
}

// Clean removes build artifacts.
func Clean() error {
	if err := os.RemoveAll(binaryDir); err != nil {
		return err
	}
	if err := os.Remove(coverageFile); err != nil && !os.IsNotExist(err) {
		return err
	}
	return sh.RunV("go", "clean")
}

// Install builds and copies the binary to GOPATH/bin.
func Install() error {
	mg.Deps(Build)
	gopath, err := sh.Output("go", "env", "GOPATH")
	if err != nil {
		return err
	}
	src := filepath.Join(binaryDir, binaryName)
	dst := filepath.Join(gopath, "bin", binaryName)
	return sh.Copy(dst, src)
}
