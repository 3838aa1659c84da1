package state

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/DigiJLinux/SteamOS-Extract/internal/utils"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/gpt"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/mount"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/schema"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/slot"
	"github.com/DigiJLinux/SteamOS-Extract/pkg/sniff"
	"github.com/hashicorp/go-multierror"
	"github.com/spectrocloud-labs/herd"
)

// errEarlierFailure is returned by ops that refuse to run after another op failed.
var errEarlierFailure = errors.New("not run, an earlier step failed")

// State is shared by the extraction and repack graphs: the source image, its
// partition table and the slot bindings resolved from it.
type State struct {
	Image      string // superimage being read
	Mounts     *mount.Manager
	Privileges utils.Privileges

	mu       sync.Mutex
	table    *gpt.Table
	bindings slot.Bindings
	errs     *multierror.Error
}

// Table returns the parsed partition table, nil before parse-table ran.
func (s *State) Table() *gpt.Table {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table
}

// Bindings returns the resolved role bindings.
func (s *State) Bindings() slot.Bindings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bindings
}

// Err returns the failures recorded by the ops so far.
func (s *State) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errs.ErrorOrNil()
}

func (s *State) record(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = multierror.Append(s.errs, err)
}

// WriteDAG writes the dag.
func (s *State) WriteDAG(g *herd.Graph) (out string) {
	for i, layer := range g.Analyze() {
		out += fmt.Sprintf("%d.\n", i+1)
		for _, op := range layer {
			if op.Error != nil {
				out += fmt.Sprintf(" <%s> (error: %s) (background: %t) (weak: %t) (run: %t)\n", op.Name, op.Error.Error(), op.Background, op.WeakDeps, op.Executed)
			} else {
				out += fmt.Sprintf(" <%s> (background: %t) (weak: %t) (run: %t)\n", op.Name, op.Background, op.WeakDeps, op.Executed)
			}
		}
	}
	return
}

// LogIfError will log if there is an error with the given context as message
// Context can be empty.
func (s *State) LogIfError(e error, msgContext string) {
	if e != nil {
		utils.Log.Err(e).Msg(msgContext)
	}
}

// LogIfErrorAndReturn will log if there is an error with the given context as message
// Context can be empty
// Will also return the error.
func (s *State) LogIfErrorAndReturn(e error, msgContext string) error {
	if e != nil {
		utils.Log.Err(e).Msg(msgContext)
	}
	return e
}

// privileged runs the privilege check, when one is configured.
func (s *State) privileged() error {
	if s.Privileges == nil {
		return nil
	}
	return s.Privileges.Check()
}

// classify sniffs a range of the backing image.
func classify(path string, r schema.ByteRange) (sniff.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return sniff.Result{}, err
	}
	defer f.Close()
	return sniff.Classify(io.NewSectionReader(f, r.Offset, r.Length))
}

// nestedRolePaths lists the tree paths of the roles that live on their own
// partitions below role's tree. Only root has any.
func nestedRolePaths(b slot.Bindings, role schema.Role) []string {
	if role != schema.RoleRoot {
		return nil
	}
	var out []string
	for _, r := range []schema.Role{schema.RoleVar, schema.RoleHome} {
		if b.Has(r) {
			out = append(out, r.TreePath())
		}
	}
	return out
}
