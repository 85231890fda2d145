package main

import (
	"github.com/alexflint/go-arg"

	"hypertuna.dev/chk"
	"hypertuna.dev/log"
)

func main() {
	var args runArgs
	arg.MustParse(&args)
	if err := run(args); chk.T(err) {
		log.F.Ln(err)
	}
}
