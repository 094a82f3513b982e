package dispatch

import "os"

// ExpandVars substitutes the step variables in a run command. Any other
// reference, such as $HOME or a loop variable, is left for the shell.
func ExpandVars(command string, vars map[string]string) string {
	return os.Expand(command, func(key string) string {
		if v, ok := vars[key]; ok {
			return v
		}
		return "${" + key + "}"
	})
}
