package manifest

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

// Manifest is a parsed installation manifest.
type Manifest struct {
	// Version is the manifest schema version.
	Version string `yaml:"version" validate:"required,eq=1"`

	// Profile is a human-readable name for this installation profile.
	Profile string `yaml:"profile" validate:"required,min=1,max=128"`

	// Strategy selects the execution strategy: parallel, pipeline or hybrid.
	Strategy string `yaml:"strategy,omitempty" validate:"omitempty,oneof=parallel pipeline hybrid"`

	// MaxWorkers bounds the parallel worker pool. Zero means the default.
	MaxWorkers int `yaml:"max_workers,omitempty" validate:"gte=0,lte=64"`

	// Modules lists the modules to install.
	Modules []Module `yaml:"modules" validate:"required,min=1,dive"`
}

// Module describes a single module entry in a manifest.
type Module struct {
	// Name is the unique module identifier.
	Name string `yaml:"name" validate:"required,min=1,max=128"`

	// DependsOn lists modules that must complete before this one starts.
	DependsOn []string `yaml:"depends_on,omitempty" validate:"dive,min=1"`

	// ForceSequential pins the module into its own sequential batch.
	ForceSequential bool `yaml:"force_sequential,omitempty"`

	// Large hints that the module should run on the pipeline path
	// under the hybrid strategy.
	Large bool `yaml:"large,omitempty"`

	// Config carries module-specific configuration values.
	Config map[string]interface{} `yaml:"config,omitempty"`
}

// Loader parses and validates manifests.
type Loader struct {
	validator *validator.Validate
}

// NewLoader creates a new manifest loader.
func NewLoader() *Loader {
	return &Loader{
		validator: validator.New(),
	}
}

// LoadFromFile reads, parses and validates a manifest from a YAML file.
func (l *Loader) LoadFromFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	return l.Load(data)
}

// Load parses and validates a manifest from raw YAML bytes.
func (l *Loader) Load(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, engine.NewPermanentError("failed to parse manifest YAML", err).
			WithCode(engine.ErrCodeValidation)
	}

	if err := l.validator.Struct(&m); err != nil {
		return nil, engine.NewPermanentError("invalid manifest", err).
			WithCode(engine.ErrCodeValidation)
	}

	if err := l.checkModules(&m); err != nil {
		return nil, err
	}

	return &m, nil
}

// checkModules runs the static checks that validator tags cannot
// express: duplicate names, self and unknown dependency references,
// and cycles. Cycle and unknown-reference detection is delegated to
// the dependency graph so the CLI reports the same errors the engine
// would.
func (l *Loader) checkModules(m *Manifest) error {
	seen := make(map[string]struct{}, len(m.Modules))
	for _, mod := range m.Modules {
		if _, ok := seen[mod.Name]; ok {
			return engine.NewPermanentError(
				fmt.Sprintf("duplicate module %q in manifest", mod.Name), nil).
				WithModule(mod.Name).
				WithCode(engine.ErrCodeValidation)
		}
		seen[mod.Name] = struct{}{}
	}

	for _, mod := range m.Modules {
		for _, dep := range mod.DependsOn {
			if _, ok := seen[dep]; !ok {
				return engine.NewPermanentError(
					fmt.Sprintf("module %q depends on %q which is not declared in the manifest", mod.Name, dep), nil).
					WithModule(mod.Name).
					WithCode(engine.ErrCodeValidation)
			}
		}
	}

	_, err := m.Graph()
	return err
}

// Graph builds a validated dependency graph from the manifest.
// The returned graph has already passed Validate, so cycles and
// dangling references surface here.
func (m *Manifest) Graph() (*engine.DependencyGraph, error) {
	g := engine.NewDependencyGraph()
	for _, mod := range m.Modules {
		if err := g.AddModule(mod.Name, mod.DependsOn, mod.ForceSequential); err != nil {
			return nil, err
		}
	}

	if _, err := g.Validate(); err != nil {
		return nil, err
	}

	return g, nil
}

// ExecutionContexts converts manifest modules into engine execution
// contexts. Lifecycles are attached later by the caller, typically
// from a module registry.
func (m *Manifest) ExecutionContexts(dryRun bool) map[string]*engine.ExecutionContext {
	contexts := make(map[string]*engine.ExecutionContext, len(m.Modules))
	for _, mod := range m.Modules {
		contexts[mod.Name] = &engine.ExecutionContext{
			Name:            mod.Name,
			Config:          mod.Config,
			DependsOn:       append([]string(nil), mod.DependsOn...),
			ForceSequential: mod.ForceSequential,
			LargeModule:     mod.Large,
			DryRun:          dryRun,
		}
	}
	return contexts
}

// Module returns the manifest entry with the given name, or nil.
func (m *Manifest) Module(name string) *Module {
	for i := range m.Modules {
		if m.Modules[i].Name == name {
			return &m.Modules[i]
		}
	}
	return nil
}
