package instance

const DefaultName = "main"

// Resolve picks the active instance name: the flag value when given,
// otherwise the configured default, otherwise "main".
func Resolve(flagOverride, configured string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if configured != "" {
		return configured
	}
	return DefaultName
}
