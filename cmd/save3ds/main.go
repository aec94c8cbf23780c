// Command save3ds documents the shape of the original save3ds_fuse
// front end: the flags it would take to select a resource (a bare save
// image, an SD/NAND save or extdata archive by id, or one of the system
// title/ticket databases) and an action to perform on it (mount
// read-write, mount read-only, extract to a host directory, or import
// from one). Mounting a FUSE filesystem and walking a real SD/NAND
// layout are both out of scope here; this
// binary only parses and validates the flags below and reports which
// action it would have taken, so the flag shapes stay exercised and
// documented without requiring a real mount layer.
package main

import (
	"flag"
	"fmt"
	"os"
)

func main() {
	var (
		bare      = flag.String("bare", "", "mount a bare (unsigned) Disa save image at this path")
		db        = flag.String("db", "", "mount a database: one of nandtitle, nandimport, tmptitle, tmpimport, sdtitle, sdimport, ticket")
		sdSave    = flag.String("sdsave", "", "mount the SD save with this id (hex)")
		sdExt     = flag.String("sdext", "", "mount the SD extdata with this id (hex)")
		nandSave  = flag.String("nandsave", "", "mount the NAND save with this id (hex)")
		nandExt   = flag.String("nandext", "", "mount the NAND extdata with this id (hex)")
		readOnly  = flag.Bool("readonly", false, "mount as a read-only filesystem")
		extract   = flag.Bool("extract", false, "extract the archive's contents to the given path instead of mounting")
		importDir = flag.Bool("import", false, "replace the archive's contents from the given path instead of mounting")
	)
	flag.Parse()

	selected := 0
	for _, s := range []string{*bare, *db, *sdSave, *sdExt, *nandSave, *nandExt} {
		if s != "" {
			selected++
		}
	}
	if selected != 1 {
		fmt.Fprintln(os.Stderr, "exactly one of -bare, -db, -sdsave, -sdext, -nandsave, -nandext must be given")
		os.Exit(1)
	}
	if *extract && *importDir {
		fmt.Fprintln(os.Stderr, "-extract and -import cannot both be given")
		os.Exit(1)
	}
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: save3ds [flags] MOUNT_PATH")
		os.Exit(1)
	}

	action := "mount"
	if *extract {
		action = "extract"
	} else if *importDir {
		action = "import"
	}
	_ = *readOnly

	fmt.Fprintf(os.Stderr, "save3ds: %s not implemented (FUSE mounting and SD/NAND layout walking are out of scope)\n", action)
	os.Exit(1)
}
