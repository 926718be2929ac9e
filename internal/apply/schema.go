package apply

import (
	_ "embed"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/model"
)

//go:embed schemas/payloads.cue
var payloadSchemas []byte

// Schemas validates operation payloads against the CUE definitions in
// schemas/payloads.cue, one definition per target table (#documents,
// #panels, ...).
//
// Thread-safety: a cue.Context is not safe for concurrent use, so Validate
// serializes on a mutex.
type Schemas struct {
	mu   sync.Mutex
	ctx  *cue.Context
	defs map[model.TargetTable]cue.Value
}

// LoadSchemas compiles the embedded payload schemas.
func LoadSchemas() (*Schemas, error) {
	ctx := cuecontext.New()
	root := ctx.CompileBytes(payloadSchemas, cue.Filename("payloads.cue"))
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("compile payload schemas: %w", err)
	}

	defs := make(map[model.TargetTable]cue.Value, len(model.KnownTargetTables))
	for table := range model.KnownTargetTables {
		def := root.LookupPath(cue.ParsePath("#" + string(table)))
		if !def.Exists() {
			return nil, fmt.Errorf("payload schema for %q is missing", table)
		}
		defs[table] = def
	}
	return &Schemas{ctx: ctx, defs: defs}, nil
}

// Validate checks payload against the table's definition. The error lists
// every violation.
func (s *Schemas) Validate(table model.TargetTable, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.defs[table]
	if !ok {
		return fmt.Errorf("no payload schema for table %q", table)
	}
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	data := s.ctx.CompileBytes(payload, cue.Filename("payload.json"))
	if err := data.Err(); err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if err := def.Unify(data).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("payload does not match #%s: %s", table, joinCUEErrors(err))
	}
	return nil
}

func joinCUEErrors(err error) string {
	errs := cueerrors.Errors(err)
	if len(errs) <= 1 {
		return err.Error()
	}
	msg := errs[0].Error()
	for _, e := range errs[1:] {
		msg += "; " + e.Error()
	}
	return msg
}
