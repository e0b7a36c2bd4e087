package cmd

const (
	// TempFolderFlag Flag to specify a custom temporary folder for staged images.
	TempFolderFlag = "temp-folder"
	// WorkingDirectoryFlag Flag to specify the directory the manifest, its includes and local packages are resolved against.
	WorkingDirectoryFlag = "working-directory"
)
