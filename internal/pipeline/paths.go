package pipeline

import (
	"path/filepath"

	"github.com/andresmejia3/veil/internal/utils"
)

// Paths holds every location a run reads or writes. It is derived once per run
// so all stages agree on the same names.
type Paths struct {
	Input    string
	Base     string
	FrameDir string
	BlurDir  string
	Manifest string
	Output   string
	RunState string
}

// DerivePaths computes the derived names for input. Manifest, output video and
// run record go under outDir; the blurred frame directory sits next to frameDir.
func DerivePaths(input, frameDir, outDir string) Paths {
	if outDir == "" {
		outDir = "."
	}
	base := utils.BaseName(input)
	frameDir = filepath.Clean(frameDir)
	return Paths{
		Input:    input,
		Base:     base,
		FrameDir: frameDir,
		BlurDir:  filepath.Join(filepath.Dir(frameDir), "blur_"+filepath.Base(frameDir)),
		Manifest: filepath.Join(outDir, base+"_bboxes.json"),
		Output:   filepath.Join(outDir, base+"_blurfaces.mp4"),
		RunState: filepath.Join(outDir, base+"_run.json"),
	}
}
