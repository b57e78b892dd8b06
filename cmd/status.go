package cmd

import (
	"context"
	"fmt"

	"github.com/WuKongIM/kvraft/pkg/client"
	"github.com/spf13/cobra"
)

type statusCMD struct {
}

func newStatusCMD() *statusCMD {
	return &statusCMD{}
}

func (s *statusCMD) CMD() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "show the raft status of a running node",
		RunE:  s.run,
	}
	return cmd
}

func (s *statusCMD) run(cmd *cobra.Command, args []string) error {
	st, err := client.New(serverAddr).Status(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("node:      %d\n", st.ID)
	fmt.Printf("leader:    %d (self: %v)\n", st.LeaderID, st.IsLeader)
	fmt.Printf("term:      %d\n", st.Term)
	fmt.Printf("committed: %d\n", st.Committed)
	fmt.Printf("applied:   %d (kv %d, %d keys)\n", st.Applied, st.AppliedIndex, st.Keys)
	fmt.Printf("pending:   %d\n", st.Pending)
	return nil
}
