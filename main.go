package main

import (
	"github.com/WuKongIM/kvraft/cmd"
	"github.com/WuKongIM/kvraft/pkg/wklog"
	"github.com/WuKongIM/kvraft/version"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
)

// go ldflags
var Version string    // version
var Commit string     // git commit id
var CommitDate string // git commit date
var TreeState string  // git tree state

func main() {

	version.Version = Version
	version.Commit = Commit
	version.CommitDate = CommitDate
	version.TreeState = TreeState

	undo, err := maxprocs.Set()
	defer undo()
	if err != nil {
		wklog.Warn("maxprocs set error", zap.Error(err))
	}

	cmd.Execute()

}
