package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/tonerelay/internal/api"
	"github.com/austindbirch/tonerelay/internal/delivery"
	"github.com/austindbirch/tonerelay/internal/intake"
)

// Options shared by submit and event.
var (
	via         string
	submitWait  time.Duration
	maxAttempts int
)

var (
	subChannel     string
	subDest        string
	subTitle       string
	subMessage     string
	subBodyFile    string
	subContentType string
	subSource      string
	subPriority    int
	subAttrs       []string
)

// submitCmd represents the submit command
var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a delivery",
	Long: `Submit a delivery to tonerelayd.

Examples:
  relayctl submit --channel webhook --dest https://nodered.local/hook --title Fire --message "Station 4"
  relayctl submit --channel push --dest operators --title "Test" --priority 1 --wait 1m
  relayctl submit --channel ftp --dest /backups/today.zip --source ./today.zip --via nsq`,
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := delivery.ParseChannelKind(subChannel)
		if err != nil {
			return err
		}
		sub := delivery.Submission{
			Channel:     kind,
			Destination: subDest,
			MaxAttempts: maxAttempts,
			Payload: delivery.Payload{
				Title:       subTitle,
				Message:     subMessage,
				ContentType: subContentType,
				SourcePath:  subSource,
				Priority:    subPriority,
				Timestamp:   time.Now().UTC(),
			},
		}
		if subBodyFile != "" {
			body, err := os.ReadFile(subBodyFile)
			if err != nil {
				return fmt.Errorf("read body file: %w", err)
			}
			sub.Payload.Body = body
		}
		if len(subAttrs) > 0 {
			sub.Payload.Attributes = make(map[string]string, len(subAttrs))
			for _, kv := range subAttrs {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					return fmt.Errorf("attribute %q must be key=value", kv)
				}
				sub.Payload.Attributes[k] = v
			}
		}
		return deliver(cmd.OutOrStdout(), sub)
	},
}

// deliver sends sub over the selected transport and reports the result.
func deliver(w io.Writer, sub delivery.Submission) error {
	switch via {
	case "nsq":
		return publishNSQ(w, sub)
	case "http", "":
	default:
		return fmt.Errorf("unknown --via %q (use http or nsq)", via)
	}

	ctx, cancel := requestContext(0)
	var resp api.SubmitResponse
	err := callAPI(ctx, "POST", "/v1/tasks", sub, &resp)
	cancel()
	if err != nil {
		return err
	}

	t := resp.Task
	if !outputJSON {
		verb := "Submitted"
		if !resp.Created {
			verb = "Already queued"
		}
		fmt.Fprintf(w, "%s task %s (%s -> %s)\n", verb, t.ID, t.Channel, t.Destination)
	}
	if submitWait > 0 && !t.State.Terminal() {
		t, err = fetchTask(t.ID, submitWait)
		if err != nil {
			return err
		}
	}
	if outputJSON {
		return printJSON(w, api.SubmitResponse{Task: t, Created: resp.Created})
	}
	if submitWait > 0 {
		return printTask(w, t)
	}
	return nil
}

func publishNSQ(w io.Writer, sub delivery.Submission) error {
	producer, err := intake.NewProducer(nsqdAddr)
	if err != nil {
		return err
	}
	pub := intake.NewPublisher(producer, topic)
	defer pub.Stop()

	if err := pub.Publish(context.Background(), sub); err != nil {
		return err
	}
	id := delivery.TaskID(sub.Channel, sub.Destination, sub.Payload)
	if outputJSON {
		return printJSON(w, map[string]string{"id": id, "topic": topic, "nsqd": nsqdAddr})
	}
	_, err = fmt.Fprintf(w, "Published task %s to %s on %s\n", id, topic, nsqdAddr)
	return err
}

func addDeliveryFlags(c *cobra.Command) {
	c.Flags().StringVar(&via, "via", "http", "transport for the submission: http or nsq")
	c.Flags().DurationVar(&submitWait, "wait", 0, "wait up to this long for the task to finish (http only)")
	c.Flags().IntVar(&maxAttempts, "max-attempts", 0, "override the channel's max attempts")
}

func init() {
	rootCmd.AddCommand(submitCmd)

	f := submitCmd.Flags()
	f.StringVar(&subChannel, "channel", "", "delivery channel: webhook, push or ftp")
	f.StringVar(&subDest, "dest", "", "destination URL, routing group or remote path")
	f.StringVar(&subTitle, "title", "", "payload title")
	f.StringVar(&subMessage, "message", "", "payload message")
	f.StringVar(&subBodyFile, "body-file", "", "file whose contents become the raw body")
	f.StringVar(&subContentType, "content-type", "", "content type of --body-file")
	f.StringVar(&subSource, "source", "", "local file uploaded by the ftp channel")
	f.IntVar(&subPriority, "priority", 0, "push priority, -2..2")
	f.StringArrayVar(&subAttrs, "attr", nil, "payload attribute key=value (repeatable)")
	addDeliveryFlags(submitCmd)
	_ = submitCmd.MarkFlagRequired("channel")
	_ = submitCmd.MarkFlagRequired("dest")
}
