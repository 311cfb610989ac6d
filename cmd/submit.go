// cmd/submit.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aceteam-ai/meshdispatch/internal/client"
	"github.com/aceteam-ai/meshdispatch/internal/proto"
)

var (
	submitInput   string
	submitOutput  string
	submitServer  string
	submitData    string
	submitFile    string
	submitWait    bool
	submitTimeout time.Duration
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a job to the broker",
	Long: `Submits one job and prints its id. With --wait the command follows
the job until it finishes and prints the result.`,
	Example: `  meshdispatch submit --input Mesh2D --output Mesh3D --file plane.obj --wait
  meshdispatch submit --input Edges --output Mesh2D --data "$(cat edges.txt)"`,
	RunE: runSubmit,
}

func runSubmit(cmd *cobra.Command, args []string) error {
	t, err := parseIOType(submitInput, submitOutput)
	if err != nil {
		return err
	}
	info := []byte(submitData)
	if submitFile != "" {
		if info, err = os.ReadFile(submitFile); err != nil {
			return err
		}
	}
	server := cfg.ClientConnection()
	if submitServer != "" {
		if server, err = proto.ParseServerConnection(submitServer); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()

	c, err := client.Dial(ctx, server)
	if err != nil {
		return err
	}
	defer c.Close()

	id, err := c.Submit(ctx, proto.NewJobRequestWithInfo(t, info))
	if err != nil {
		return err
	}
	labelColor.Print("Job: ")
	fmt.Println(id)
	if !submitWait {
		return nil
	}

	st, err := c.Wait(ctx, id, cfg.HeartbeatInterval)
	if err != nil {
		return err
	}
	labelColor.Print("Status: ")
	statusColor(st.Status).Println(st.Status)
	if st.Status != proto.StatusFinished {
		return errors.New("job did not finish")
	}
	res, err := c.Retrieve(ctx, id)
	if err != nil {
		return err
	}
	labelColor.Print("Result: ")
	fmt.Println(string(res.Data))
	return nil
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().StringVar(&submitInput, "input", "", "Input mesh type (name or number)")
	submitCmd.Flags().StringVar(&submitOutput, "output", "", "Output mesh type (name or number)")
	submitCmd.Flags().StringVar(&submitServer, "server", "", "Broker client endpoint (default from config)")
	submitCmd.Flags().StringVar(&submitData, "data", "", "Job payload")
	submitCmd.Flags().StringVar(&submitFile, "file", "", "Read the job payload from a file")
	submitCmd.Flags().BoolVar(&submitWait, "wait", false, "Wait for the job and print its result")
	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", 10*time.Minute, "Give up after this long")
	submitCmd.MarkFlagsMutuallyExclusive("data", "file")
}
