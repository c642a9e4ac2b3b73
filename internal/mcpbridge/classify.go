package mcpbridge

import (
	"encoding/json"
	"strings"
	"unicode"

	"github.com/ppiankov/rmacd/internal/model"
)

// verbTable maps declared operation verbs to RMACD operations. The first
// entry of each group is the core vocabulary; the rest extend it.
var verbTable = map[string]model.Operation{
	"read": model.Read, "list": model.Read,
	"get": model.Read, "query": model.Read, "search": model.Read, "fetch": model.Read,
	"view": model.Read, "retrieve": model.Read, "describe": model.Read,

	"move": model.Move, "transfer": model.Move,
	"copy": model.Move, "migrate": model.Move, "rename": model.Move, "relocate": model.Move,
	"forward": model.Move, "export": model.Move,

	"create": model.Add, "write": model.Add,
	"add": model.Add, "insert": model.Add, "upload": model.Add, "post": model.Add,
	"provision": model.Add, "deploy": model.Add,

	"update": model.Change, "modify": model.Change,
	"edit": model.Change, "patch": model.Change, "set": model.Change, "configure": model.Change,
	"change": model.Change, "alter": model.Change, "commit": model.Change, "push": model.Change,

	"delete": model.Delete, "remove": model.Delete,
	"destroy": model.Delete, "purge": model.Delete, "drop": model.Delete, "erase": model.Delete,
	"truncate": model.Delete, "wipe": model.Delete,
}

// schemaHints raise data_access above the internal default when a tool's
// input schema names sensitive fields. Checked most sensitive first.
var schemaHints = []struct {
	class model.DataClassification
	terms []string
}{
	{model.Restricted, []string{"password", "secret", "credential", "ssn", "credit_card", "private_key"}},
	{model.Confidential, []string{"confidential", "private", "sensitive", "pii"}},
}

// Source records which signal produced a classification.
type Source string

const (
	SourceVerbs       Source = "verbs"
	SourceKeywords    Source = "keywords"
	SourceAnnotations Source = "annotations"
	SourceDefault     Source = "default"
)

// LevelFromVerbs returns the highest-ranked operation among verbs. Verbs
// outside the table are ignored; ok is false when none matched.
func LevelFromVerbs(verbs []string) (model.Operation, bool) {
	best := model.Operation("")
	for _, v := range verbs {
		op, found := lookupVerb(v)
		if !found {
			continue
		}
		if best == "" || op.Rank() > best.Rank() {
			best = op
		}
	}
	return best, best != ""
}

// levelFromText scans free text for table verbs, worst case wins.
func levelFromText(text string) (model.Operation, bool) {
	return LevelFromVerbs(tokenize(text))
}

func lookupVerb(v string) (model.Operation, bool) {
	v = strings.ToLower(strings.TrimSpace(v))
	if op, ok := verbTable[v]; ok {
		return op, true
	}
	for _, suffix := range []string{"s", "es", "ed", "d", "ing"} {
		if stem, cut := strings.CutSuffix(v, suffix); cut && len(stem) > 2 {
			if op, ok := verbTable[stem]; ok {
				return op, true
			}
		}
	}
	return "", false
}

// tokenize splits on anything that is not a letter and on camelCase
// boundaries, so "deleteUser" and "delete_user" both yield "delete".
func tokenize(s string) []string {
	var out []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			out = append(out, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	for i, r := range []rune(s) {
		switch {
		case !unicode.IsLetter(r):
			flush()
		case unicode.IsUpper(r) && i > 0 && len(cur) > 0 && unicode.IsLower(cur[len(cur)-1]):
			flush()
			cur = append(cur, r)
		default:
			cur = append(cur, r)
		}
	}
	flush()
	return out
}

// classFromSchema inspects a JSON schema for sensitive field names. It never
// returns a tier below internal.
func classFromSchema(schema any) model.DataClassification {
	if schema == nil {
		return model.Internal
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return model.Internal
	}
	text := strings.ToLower(string(raw))
	for _, h := range schemaHints {
		for _, term := range h.terms {
			if strings.Contains(text, term) {
				return h.class
			}
		}
	}
	return model.Internal
}
