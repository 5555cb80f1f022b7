// Package policycfg loads a per-document download policy
// (internal/downloadpolicy) from a CUE document, validating it
// against an embedded schema before decoding it into typed Go values,
// so operators get positioned errors for a malformed policy file
// instead of a silent default.
package policycfg

import (
	_ "embed"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"golang.org/x/text/unicode/norm"

	"github.com/brutalist-labs/docengine/internal/downloadpolicy"
)

//go:embed schema.cue
var schemaSrc string

// LoadError reports a failure compiling or validating a policy
// document, carrying a CompileError-style {Field, Message, Pos}
// shape (internal/compiler/concept.go).
type LoadError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from a CUE error, mirroring
// internal/compiler/concept.go's formatCUEError.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	positions := errors.Positions(first)
	if len(positions) > 0 {
		return &LoadError{Field: "cue", Message: first.Error(), Pos: positions[0]}
	}
	return err
}

// Load compiles src (a CUE document assigning the top-level field
// "policy") against the embedded schema and decodes it into a
// downloadpolicy.Policy. src must look like:
//
//	policy: #Policy & {
//		variant: "nothing_except"
//		filters: [{kind: "prefix", pattern: "images/"}]
//	}
func Load(src string) (downloadpolicy.Policy, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(schemaSrc + "\n" + src)
	if err := v.Err(); err != nil {
		return downloadpolicy.Policy{}, formatCUEError(err)
	}

	policyVal := v.LookupPath(cue.ParsePath("policy"))
	if !policyVal.Exists() {
		return downloadpolicy.Policy{}, &LoadError{Field: "policy", Message: "policy is required"}
	}
	if err := policyVal.Validate(cue.Concrete(true)); err != nil {
		return downloadpolicy.Policy{}, formatCUEError(err)
	}

	variantStr, err := policyVal.LookupPath(cue.ParsePath("variant")).String()
	if err != nil {
		return downloadpolicy.Policy{}, formatCUEError(err)
	}
	variant, err := parseVariant(variantStr)
	if err != nil {
		return downloadpolicy.Policy{}, &LoadError{Field: "variant", Message: err.Error()}
	}

	filters, err := parseFilters(policyVal.LookupPath(cue.ParsePath("filters")))
	if err != nil {
		return downloadpolicy.Policy{}, err
	}

	return downloadpolicy.Policy{Variant: variant, Filters: filters}, nil
}

func parseVariant(s string) (downloadpolicy.Variant, error) {
	switch s {
	case "nothing_except":
		return downloadpolicy.NothingExcept, nil
	case "everything_except":
		return downloadpolicy.EverythingExcept, nil
	default:
		return 0, fmt.Errorf("unknown variant %q", s)
	}
}

func parseFilters(v cue.Value) ([]downloadpolicy.Filter, error) {
	if !v.Exists() {
		return nil, nil
	}
	iter, err := v.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var out []downloadpolicy.Filter
	for iter.Next() {
		item := iter.Value()

		kindStr, err := item.LookupPath(cue.ParsePath("kind")).String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		var kind downloadpolicy.FilterKind
		switch kindStr {
		case "prefix":
			kind = downloadpolicy.FilterPrefix
		case "exact":
			kind = downloadpolicy.FilterExact
		default:
			return nil, &LoadError{Field: "filters.kind", Message: fmt.Sprintf("unknown filter kind %q", kindStr)}
		}

		patternStr, err := item.LookupPath(cue.ParsePath("pattern")).String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		// NFC-normalize the pattern before it's compared against keys,
		// the same discipline internal/ir/canonical.go applies to every
		// string before it participates in canonical encoding.
		pattern := norm.NFC.String(patternStr)

		out = append(out, downloadpolicy.Filter{Kind: kind, Pattern: []byte(pattern)})
	}
	return out, nil
}
