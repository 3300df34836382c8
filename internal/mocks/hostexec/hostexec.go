// Package hostexec provides in-memory fakes for the executor interfaces,
// so that assembly logic can be exercised without touching real block
// devices, loop devices or mounts.
package hostexec

import (
	"fmt"
	"strings"
)

// Call records a single command invocation.
type Call struct {
	Name  string
	Args  []string
	Stdin []byte
}

func (c Call) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Response scripts the outcome of a command matched by binary name.
type Response struct {
	Stdout []byte
	Err    error
}

// FakeRunner records every command and answers from a script keyed by
// binary name. Commands without a scripted response succeed with empty
// output. Hooks run before the scripted response and can fabricate the
// side effects a real tool would have, e.g. creating an output file.
type FakeRunner struct {
	Calls     []Call
	Responses map[string]Response
	Hooks     map[string]func(Call) error
}

func NewFakeRunner() *FakeRunner {
	return &FakeRunner{
		Responses: map[string]Response{},
		Hooks:     map[string]func(Call) error{},
	}
}

// Respond scripts the response for all invocations of name.
func (r *FakeRunner) Respond(name string, stdout []byte, err error) {
	r.Responses[name] = Response{Stdout: stdout, Err: err}
}

func (r *FakeRunner) Run(name string, arg ...string) ([]byte, error) {
	return r.RunWithStdin(nil, name, arg...)
}

func (r *FakeRunner) RunWithStdin(stdin []byte, name string, arg ...string) ([]byte, error) {
	call := Call{Name: name, Args: arg, Stdin: stdin}
	r.Calls = append(r.Calls, call)
	if hook, ok := r.Hooks[name]; ok {
		if err := hook(call); err != nil {
			return nil, err
		}
	}
	if resp, ok := r.Responses[name]; ok {
		return resp.Stdout, resp.Err
	}
	return nil, nil
}

// CallsTo returns every recorded invocation of the named binary.
func (r *FakeRunner) CallsTo(name string) []Call {
	var calls []Call
	for _, c := range r.Calls {
		if c.Name == name {
			calls = append(calls, c)
		}
	}
	return calls
}

// FakeMounter records mounts and unmounts instead of performing them.
type FakeMounter struct {
	Mounts   []string // "device dir fstype"
	Unmounts []string // dir
	MountErr error
}

func (m *FakeMounter) Mount(device, dir, fstype string) error {
	if m.MountErr != nil {
		return m.MountErr
	}
	m.Mounts = append(m.Mounts, fmt.Sprintf("%s %s %s", device, dir, fstype))
	return nil
}

func (m *FakeMounter) Unmount(dir string) error {
	m.Unmounts = append(m.Unmounts, dir)
	return nil
}
