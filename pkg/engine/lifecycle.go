package engine

import "context"

// StageFunc is a single lifecycle stage. A nil StageFunc means the module
// does not implement the stage; it is treated as automatic success and
// reported with a skipped marker.
type StageFunc func(ctx context.Context, config map[string]interface{}) error

// Lifecycle is the per-module capability set, built once when the module is
// registered. It replaces runtime "does this module have that method"
// lookups with an explicit struct.
type Lifecycle struct {
	// Validate checks preconditions before any mutation happens.
	Validate StageFunc

	// PreConfigure runs before Configure.
	PreConfigure StageFunc

	// Configure performs the module's actual installation work.
	Configure StageFunc

	// PostConfigure runs after Configure succeeded.
	PostConfigure StageFunc

	// Verify confirms the module is healthy after configuration.
	Verify StageFunc
}

// stageOrder is the fixed order lifecycle stages run in.
var stageOrder = []struct {
	Event StageEvent
	Pick  func(*Lifecycle) StageFunc
}{
	{EventValidating, func(l *Lifecycle) StageFunc { return l.Validate }},
	{EventPreConfigure, func(l *Lifecycle) StageFunc { return l.PreConfigure }},
	{EventConfiguring, func(l *Lifecycle) StageFunc { return l.Configure }},
	{EventPostConfigure, func(l *Lifecycle) StageFunc { return l.PostConfigure }},
	{EventVerifying, func(l *Lifecycle) StageFunc { return l.Verify }},
}
