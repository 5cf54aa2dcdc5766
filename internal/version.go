package internal

// Application metadata constants. Change AppVersion here only; every
// version string in the UI derives from it.
const (
	// AppName is the official name of the application
	AppName = "Tapeback"

	// AppVersion follows semantic versioning (major.minor.patch)
	AppVersion = "0.4.2"

	// AppDesc is the tagline used in UI headers
	AppDesc = "LTO Tape Backup Controller"
)

// GetVersionString returns just the version number for programmatic use.
func GetVersionString() string {
	return AppVersion
}

// GetFullVersionString returns the application name with version for display.
// Example: "Tapeback v0.4.2"
func GetFullVersionString() string {
	return AppName + " v" + AppVersion
}

// GetAppTitle returns the complete application title for the main header.
func GetAppTitle() string {
	return AppName + " v" + AppVersion + " - " + AppDesc
}
