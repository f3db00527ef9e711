// Package processor runs the external image jobs (background removal,
// emotion analysis, compositing) as subprocesses.
//
// Each operation is a configured argv. Placeholders are substituted per job:
//
//	{input}      path of the uploaded image, written into the job dir
//	{output}     path the command must write its result image to
//	{background} path of the resolved background asset (composite only)
//	{mode}       free-form mode string from the request
//	{format}     output image format, default "png"
//
// Every job runs in its own temp dir, removed afterwards. The command is
// killed when the job context ends.
package processor
