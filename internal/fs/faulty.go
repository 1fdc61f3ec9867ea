package fs

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// Fault defines specific failure behavior.
type Fault struct {
	FailAfterBytes int64 // Fail writes after this many bytes written to the file. 0 to disable.
	FailOnWrite    bool
	FailOnOpen     bool
	FailOnSync     bool
	FailOnClose    bool
	FailOnRename   bool
	// Times limits how often the rule fires. 0 means forever.
	Times int
	Err   error
}

type faultRule struct {
	fault Fault
	fired int
}

// FaultyFS is a FileSystem wrapper that can inject errors. Rules match when
// the file name contains the rule pattern.
type FaultyFS struct {
	FS    FileSystem
	mu    sync.Mutex
	rules map[string]*faultRule
}

// NewFaultyFS creates a new FaultyFS wrapping the provided FS (or Default if nil).
func NewFaultyFS(fsys FileSystem) *FaultyFS {
	return &FaultyFS{
		FS:    Or(fsys),
		rules: make(map[string]*faultRule),
	}
}

// AddRule adds a fault injection rule for a file pattern.
func (f *FaultyFS) AddRule(pattern string, fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[pattern] = &faultRule{fault: fault}
}

// RemoveRule removes the rule for pattern.
func (f *FaultyFS) RemoveRule(pattern string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rules, pattern)
}

// Reset removes all rules.
func (f *FaultyFS) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = make(map[string]*faultRule)
}

// match returns the fault for name whose predicate holds and counts the hit.
func (f *FaultyFS) match(name string, pred func(Fault) bool) (Fault, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for pattern, rule := range f.rules {
		if !strings.Contains(name, pattern) || !pred(rule.fault) {
			continue
		}
		rule.fired++
		if rule.fault.Times > 0 && rule.fired >= rule.fault.Times {
			delete(f.rules, pattern)
		}
		return rule.fault, true
	}
	return Fault{}, false
}

func faultErr(fault Fault, op, name string) error {
	if fault.Err != nil {
		return fmt.Errorf("%s %s: %w: %w", op, name, ErrInjected, fault.Err)
	}
	return fmt.Errorf("%s %s: %w", op, name, ErrInjected)
}

func (f *FaultyFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	if fault, ok := f.match(name, func(ft Fault) bool { return ft.FailOnOpen }); ok {
		return nil, faultErr(fault, "open", name)
	}
	file, err := f.FS.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	fault, ok := f.match(name, func(ft Fault) bool {
		return ft.FailOnWrite || ft.FailAfterBytes > 0 || ft.FailOnSync || ft.FailOnClose
	})
	if !ok {
		return file, nil
	}
	return &faultyFile{File: file, name: name, fault: fault}, nil
}

func (f *FaultyFS) Remove(name string) error {
	return f.FS.Remove(name)
}

func (f *FaultyFS) RemoveAll(path string) error {
	return f.FS.RemoveAll(path)
}

func (f *FaultyFS) Rename(oldpath, newpath string) error {
	if fault, ok := f.match(newpath, func(ft Fault) bool { return ft.FailOnRename }); ok {
		return faultErr(fault, "rename", newpath)
	}
	return f.FS.Rename(oldpath, newpath)
}

func (f *FaultyFS) Stat(name string) (os.FileInfo, error) {
	return f.FS.Stat(name)
}

func (f *FaultyFS) MkdirAll(path string, perm os.FileMode) error {
	return f.FS.MkdirAll(path, perm)
}

func (f *FaultyFS) ReadDir(name string) ([]os.DirEntry, error) {
	return f.FS.ReadDir(name)
}

type faultyFile struct {
	File
	name    string
	fault   Fault
	written int64
}

func (ff *faultyFile) Write(p []byte) (int, error) {
	if ff.fault.FailOnWrite || ff.fault.FailAfterBytes > 0 && ff.written+int64(len(p)) > ff.fault.FailAfterBytes {
		return 0, faultErr(ff.fault, "write", ff.name)
	}
	n, err := ff.File.Write(p)
	ff.written += int64(n)
	return n, err
}

func (ff *faultyFile) Sync() error {
	if ff.fault.FailOnSync {
		return faultErr(ff.fault, "sync", ff.name)
	}
	return ff.File.Sync()
}

func (ff *faultyFile) Close() error {
	if ff.fault.FailOnClose {
		_ = ff.File.Close()
		return faultErr(ff.fault, "close", ff.name)
	}
	return ff.File.Close()
}
