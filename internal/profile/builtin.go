package profile

import _ "embed"

//go:embed profiles/read-only-observer.yaml
var readOnlyObserverYAML []byte

//go:embed profiles/standard-agent.yaml
var standardAgentYAML []byte

//go:embed profiles/data-analyst.yaml
var dataAnalystYAML []byte

//go:embed profiles/devops-operator.yaml
var devopsOperatorYAML []byte

//go:embed profiles/security-responder.yaml
var securityResponderYAML []byte

// builtinProfiles maps profile names to their embedded YAML content.
var builtinProfiles = map[string][]byte{
	"read-only-observer": readOnlyObserverYAML,
	"standard-agent":     standardAgentYAML,
	"data-analyst":       dataAnalystYAML,
	"devops-operator":    devopsOperatorYAML,
	"security-responder": securityResponderYAML,
}

// Builtin returns the raw YAML of a built-in template.
func Builtin(name string) ([]byte, bool) {
	data, ok := builtinProfiles[name]
	return data, ok
}
