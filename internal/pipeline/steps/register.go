package steps

import "github.com/kalambet/docminer/internal/pipeline"

var builtins = map[string]pipeline.Factory{
	pipeline.TypeFilter:   NewFilter,
	pipeline.TypeClassify: NewClassify,
	pipeline.TypeEnrich:   NewEnrich,
	pipeline.TypeGenerate: NewGenerate,
	pipeline.TypeValidate: NewValidate,
	pipeline.TypeCondense: NewCondense,
}

// Register adds the built-in step kinds to reg.
func Register(reg *pipeline.Registry) error {
	for typ, f := range builtins {
		if err := reg.Register(typ, f); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry holding the built-in step kinds.
func NewRegistry() *pipeline.Registry {
	reg := pipeline.NewRegistry()
	if err := Register(reg); err != nil {
		panic(err)
	}
	return reg
}
