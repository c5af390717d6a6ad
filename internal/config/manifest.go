package config

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/kernelbus/internal/protocol"
)

//go:embed schema.cue
var manifestSchema string

// ManifestError is a manifest problem, with the CUE source position when
// one is known.
type ManifestError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *ManifestError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type manifestKernel struct {
	Name     string   `json:"name"`
	URI      string   `json:"uri"`
	Aliases  []string `json:"aliases"`
	Language *struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"language"`
	DisplayName string   `json:"displayName"`
	Description string   `json:"description"`
	Commands    []string `json:"commands"`
	Directives  []string `json:"directives"`
}

// LoadManifest reads the CUE kernel manifest at path, validates it against
// the embedded schema and returns one KernelInfo per declared kernel, in
// declaration order.
//
// Kernel names and aliases must be unique across the manifest.
func LoadManifest(path string) ([]*protocol.KernelInfo, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(path, src)
}

// ParseManifest is LoadManifest for in-memory source. filename is used in
// error positions.
func ParseManifest(filename string, src []byte) ([]*protocol.KernelInfo, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(manifestSchema, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile manifest schema: %w", err)
	}

	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err, filename, cue.Value{})
	}

	unified := schema.LookupPath(cue.ParsePath("#Manifest")).Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err, filename, v)
	}

	kernelsVal := unified.LookupPath(cue.ParsePath("kernels"))
	iter, err := kernelsVal.List()
	if err != nil {
		return nil, formatCUEError(err, filename, v)
	}

	var infos []*protocol.KernelInfo
	owner := make(map[string]string)
	for i := 0; iter.Next(); i++ {
		var mk manifestKernel
		if err := iter.Value().Decode(&mk); err != nil {
			return nil, formatCUEError(err, filename, v)
		}

		info := protocol.NewKernelInfo(mk.Name, mk.Aliases...)
		for _, n := range info.Names() {
			if prev, ok := owner[n]; ok {
				return nil, &ManifestError{
					Field:   fmt.Sprintf("kernels[%d]", i),
					Message: fmt.Sprintf("name %q already used by kernel %s", n, prev),
					Pos:     iter.Value().Pos(),
				}
			}
			owner[n] = info.LocalName
		}

		info.URI = protocol.NormalizeKernelURI(mk.URI)
		if mk.Language != nil {
			info.LanguageName = mk.Language.Name
			info.LanguageVersion = mk.Language.Version
		}
		info.DisplayName = mk.DisplayName
		info.Description = mk.Description
		for _, c := range mk.Commands {
			info.AddCommand(protocol.CommandType(c))
		}
		for _, d := range mk.Directives {
			info.SupportedDirectives = append(info.SupportedDirectives, protocol.KernelDirectiveInfo{Name: d})
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// formatCUEError keeps the first CUE error. Its position is that of the
// manifest value at the error path. Errors such as an empty disjunction
// only report schema positions, so the error's own positions are used
// only when the path names nothing in the manifest.
func formatCUEError(err error, filename string, manifest cue.Value) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	me := &ManifestError{Field: "cue", Message: first.Error()}

	if path := first.Path(); len(path) > 0 && manifest.Exists() {
		me.Pos = pathPos(manifest, path)
	}
	if !me.Pos.IsValid() {
		me.Pos = manifestPos(errs, filename)
	}
	if !me.Pos.IsValid() {
		me.Pos = first.Position()
	}
	return me
}

func manifestPos(errs []cueerrors.Error, filename string) token.Pos {
	for _, e := range errs {
		candidates := append([]token.Pos{e.Position()}, e.InputPositions()...)
		candidates = append(candidates, cueerrors.Positions(e)...)
		for _, pos := range candidates {
			if pos.IsValid() && pos.Filename() == filename {
				return pos
			}
		}
	}
	return token.NoPos
}

// pathPos returns the position of the deepest value along path that v
// defines, or NoPos when v defines none of it.
func pathPos(v cue.Value, path []string) token.Pos {
	sels := make([]cue.Selector, 0, len(path))
	for _, label := range path {
		if i, err := strconv.Atoi(label); err == nil {
			sels = append(sels, cue.Index(i))
		} else {
			sels = append(sels, cue.Str(label))
		}
	}
	for ; len(sels) > 0; sels = sels[:len(sels)-1] {
		if f := v.LookupPath(cue.MakePath(sels...)); f.Exists() && f.Pos().IsValid() {
			return f.Pos()
		}
	}
	return token.NoPos
}
