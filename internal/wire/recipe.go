package wire

import "strings"

// RecipeStep is one <step> of a parsed build recipe, with its ordered list
// of shell commands to run.
type RecipeStep struct {
	ID          string
	Description string
	Commands    [][]string
}

// ParseRecipeSteps walks a recipe document's top-level <step> elements,
// collecting each <exec cmd="..." args="..."/> child as one command to run
// in order. Elements other than <step>/<exec> (e.g. <report>) are ignored:
// report generation from command output is out of scope here.
func ParseRecipeSteps(recipe []byte) ([]RecipeStep, error) {
	root, err := ParseElement(recipe)
	if err != nil {
		return nil, err
	}
	var steps []RecipeStep
	for _, child := range root.Children {
		if child.Tag != "step" {
			continue
		}
		s := RecipeStep{ID: child.Attr("id"), Description: child.Attr("description")}
		for _, exec := range child.Children {
			cmd := exec.Attr("cmd")
			if exec.Tag != "exec" || cmd == "" {
				continue
			}
			argv := append([]string{cmd}, splitArgs(exec.Attr("args"))...)
			s.Commands = append(s.Commands, argv)
		}
		steps = append(steps, s)
	}
	return steps, nil
}

func splitArgs(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}
