package schema

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"

	"github.com/svd27/ki/internal/meta"
)

// CompileString compiles schema source. filename is used in positions.
func CompileString(src, filename string) ([]*meta.EntityMeta, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src, cue.Filename(filename))
	return Compile(v)
}

// Load compiles a schema file, or every CUE file of a directory as one
// instance, and returns a validated registry holding the compiled types.
func Load(path string) (*meta.Registry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", path, err)
	}

	var metas []*meta.EntityMeta
	if info.IsDir() {
		metas, err = loadDir(path)
	} else {
		var src []byte
		if src, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("read schema: %w", err)
		}
		metas, err = CompileString(string(src), path)
	}
	if err != nil {
		return nil, err
	}
	return Registry(metas...)
}

func loadDir(dir string) ([]*meta.EntityMeta, error) {
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("schema %s: no CUE instances loaded", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, fmt.Errorf("loading CUE files: %w", inst.Err)
	}
	v := cuecontext.New().BuildInstance(inst)
	return Compile(v)
}

// Registry registers metas in a new registry and checks that every parent
// and relation target resolves.
func Registry(metas ...*meta.EntityMeta) (*meta.Registry, error) {
	reg := meta.NewRegistry()
	for _, m := range metas {
		if err := reg.Register(m); err != nil {
			return nil, err
		}
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return reg, nil
}
