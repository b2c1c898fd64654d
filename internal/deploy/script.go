package deploy

import (
	"fmt"
	"strings"
)

// ScriptBuilder builds the POSIX shell script a procedure is shipped as.
type ScriptBuilder struct {
	lines []string
}

// NewScriptBuilder creates a script with the interpreter line and errexit
// set.
func NewScriptBuilder() *ScriptBuilder {
	b := &ScriptBuilder{lines: make([]string, 0, 64)}
	b.AddLine("#!/bin/sh")
	b.AddLine("set -e")
	return b
}

// AddLine adds a raw shell line.
func (b *ScriptBuilder) AddLine(line string) {
	b.lines = append(b.lines, line)
}

// AddComment adds a comment line. Newlines in text are flattened so the
// comment cannot spill into a command.
func (b *ScriptBuilder) AddComment(text string) {
	b.AddLine("# " + flatten(text))
}

// AddStep adds one procedure step: an echo marker for the captured log and
// the step's commands.
func (b *ScriptBuilder) AddStep(n int, step Step) {
	b.AddLine("")
	b.AddComment(fmt.Sprintf("step %d: %s", n, step.Name))
	b.AddLine(fmt.Sprintf("echo %s", quote(fmt.Sprintf("== step %d: %s", n, flatten(step.Name)))))
	for _, cmd := range step.Commands {
		b.AddLine(cmd)
	}
}

// Build returns the script text.
func (b *ScriptBuilder) Build() string {
	return strings.Join(b.lines, "\n") + "\n"
}

func (b *ScriptBuilder) String() string {
	return b.Build()
}

var lineBreaks = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

// flatten replaces line breaks with spaces.
func flatten(s string) string {
	return lineBreaks.Replace(s)
}
