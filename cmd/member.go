package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/WuKongIM/kvraft/pkg/client"
	"github.com/spf13/cobra"
)

type memberCMD struct {
}

func newMemberCMD() *memberCMD {
	return &memberCMD{}
}

func (m *memberCMD) CMD() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "member",
		Short: "inspect and change cluster membership",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "list the address table of the contacted node",
		RunE:  m.list,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "add <id> <raftAddr>",
		Short: "add a node, which must be started with join=true",
		Args:  cobra.ExactArgs(2),
		RunE:  m.add,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "remove <id>",
		Short: "remove a node",
		Args:  cobra.ExactArgs(1),
		RunE:  m.remove,
	})
	return cmd
}

func (m *memberCMD) list(cmd *cobra.Command, args []string) error {
	members, err := client.New(serverAddr).Members(context.Background())
	if err != nil {
		return explain(err)
	}
	printMembers(members)
	return nil
}

func (m *memberCMD) add(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return err
	}
	index, err := client.New(serverAddr).AddMember(context.Background(), id, args[1])
	if err != nil {
		return explain(err)
	}
	fmt.Printf("node %d added (index %d)\n", id, index)
	return nil
}

func (m *memberCMD) remove(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return err
	}
	index, err := client.New(serverAddr).RemoveMember(context.Background(), id)
	if err != nil {
		return explain(err)
	}
	fmt.Printf("node %d removed (index %d)\n", id, index)
	return nil
}

func printMembers(members []client.Member) {
	for _, mb := range members {
		fmt.Printf("%d\t%s\tv%d\n", mb.ID, mb.Addr, mb.Version)
	}
}

// explain prints where the leader is when the contacted node refused a write.
func explain(err error) error {
	var nl *client.NotLeaderError
	if errors.As(err, &nl) {
		fmt.Printf("not leader, current leader is node %d\n", nl.LeaderID)
		printMembers(nl.Members)
	}
	return err
}
