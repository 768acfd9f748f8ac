package cmd

import (
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/tonerelay/internal/delivery"
	"github.com/austindbirch/tonerelay/internal/events"
)

var (
	evDepartment string
	evGroup      string
	evPriority   int
	evFile       string
	evBaseURL    string
	evWebhook    string
	evText       string
	evArchive    string
	evRemoteDir  string

	hbHost          string
	hbFile          string
	hbThreshold     time.Duration
	hbRetries       int
	hbFinal         bool
	hbUserInitiated bool
	hbGroup         string
)

type submissionBuilder interface {
	Submission() (delivery.Submission, error)
}

func submitEvent(cmd *cobra.Command, ev submissionBuilder) error {
	sub, err := ev.Submission()
	if err != nil {
		return err
	}
	sub.MaxAttempts = maxAttempts
	return deliver(cmd.OutOrStdout(), sub)
}

// submitEvents submits every target and reports all failures together.
func submitEvents(cmd *cobra.Command, subs []delivery.Submission) error {
	var errs []error
	for _, sub := range subs {
		sub.MaxAttempts = maxAttempts
		if err := deliver(cmd.OutOrStdout(), sub); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// eventCmd represents the event command
var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Submit deliveries for dispatch-monitor events",
	Long: `Build a delivery from a dispatch-monitor event and submit it.

Examples:
  relayctl event tone --department "Station 4"
  relayctl event audio --department Fire --file /ttd/audio/fire_0831.mp3 --base-url http://nas/audio/ --webhook http://nodered/pre
  relayctl event transcribed --department Fire --file fire_0831.mp3 --text "Engine 4 respond" --webhook http://nodered/transcribed
  relayctl event backup --archive /tmp/ttd.zip --remote-dir backups
  relayctl event heartbeat --heartbeat-file /ttd/heartbeat --retries 2 --webhook http://nodered/heartbeat --group operators`,
}

var eventToneCmd = &cobra.Command{
	Use:   "tone",
	Short: "Push a tone-detected alert to the department's routing group",
	RunE: func(cmd *cobra.Command, args []string) error {
		return submitEvent(cmd, events.Tone{
			Department: evDepartment,
			Group:      evGroup,
			Priority:   evPriority,
			At:         time.Now(),
		})
	},
}

var eventAudioCmd = &cobra.Command{
	Use:   "audio",
	Short: "Send the recorded audio link to a webhook",
	RunE: func(cmd *cobra.Command, args []string) error {
		return submitEvent(cmd, events.Audio{
			Department:   evDepartment,
			File:         evFile,
			BaseAudioURL: evBaseURL,
			WebhookURL:   evWebhook,
			At:           time.Now(),
		})
	},
}

var eventTranscribedCmd = &cobra.Command{
	Use:   "transcribed",
	Short: "Send a finished transcription to a webhook",
	RunE: func(cmd *cobra.Command, args []string) error {
		return submitEvent(cmd, events.Transcribed{
			Department:    evDepartment,
			File:          evFile,
			BaseAudioURL:  evBaseURL,
			Transcription: evText,
			WebhookURL:    evWebhook,
			At:            time.Now(),
		})
	},
}

var eventBackupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Upload a backup archive over FTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		return submitEvent(cmd, events.Backup{
			Archive:   evArchive,
			RemoteDir: evRemoteDir,
			At:        time.Now(),
		})
	},
}

var eventHeartbeatCmd = &cobra.Command{
	Use:   "heartbeat",
	Short: "Alert that the dispatch monitor heartbeat stopped",
	Long: `Alert the heartbeat webhook and a push routing group that the dispatch
monitor heartbeat is stale. The last beat is read from --heartbeat-file; an
unreadable file is reported as an unknown last beat.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ev := events.Heartbeat{
			Host:          hbHost,
			Threshold:     hbThreshold,
			Retries:       hbRetries,
			Final:         hbFinal,
			UserInitiated: hbUserInitiated,
			WebhookURL:    evWebhook,
			Group:         hbGroup,
			Priority:      evPriority,
			At:            time.Now(),
		}
		if ev.Host == "" {
			ev.Host, _ = os.Hostname()
		}
		if hbFile != "" {
			if last, err := events.ReadHeartbeatFile(hbFile); err == nil {
				ev.LastBeat = last
			} else {
				cmd.PrintErrf("warning: %v\n", err)
			}
		}
		subs, err := ev.Submissions()
		if err != nil {
			return err
		}
		return submitEvents(cmd, subs)
	},
}

func init() {
	rootCmd.AddCommand(eventCmd)
	eventCmd.AddCommand(eventToneCmd, eventAudioCmd, eventTranscribedCmd, eventBackupCmd, eventHeartbeatCmd)

	eventToneCmd.Flags().StringVar(&evDepartment, "department", "", "department that toned out")
	eventToneCmd.Flags().StringVar(&evGroup, "group", "", "routing group (default: lowercased department)")
	eventToneCmd.Flags().IntVar(&evPriority, "priority", 1, "push priority, -2..2")

	for _, c := range []*cobra.Command{eventAudioCmd, eventTranscribedCmd} {
		c.Flags().StringVar(&evDepartment, "department", "", "department the recording belongs to")
		c.Flags().StringVar(&evFile, "file", "", "audio file name or path")
		c.Flags().StringVar(&evBaseURL, "base-url", "", "base URL the audio is served from")
		c.Flags().StringVar(&evWebhook, "webhook", "", "webhook URL to notify")
	}
	eventTranscribedCmd.Flags().StringVar(&evText, "text", "", "transcription text")

	eventBackupCmd.Flags().StringVar(&evArchive, "archive", "", "local archive to upload")
	eventBackupCmd.Flags().StringVar(&evRemoteDir, "remote-dir", "", "remote directory on the FTP server")

	hb := eventHeartbeatCmd.Flags()
	hb.StringVar(&hbHost, "host", "", "host running the monitor (default: this host)")
	hb.StringVar(&hbFile, "heartbeat-file", "", "file holding the unix time of the last heartbeat")
	hb.DurationVar(&hbThreshold, "threshold", 90*time.Second, "age after which the heartbeat counts as missed")
	hb.IntVar(&hbRetries, "retries", 0, "consecutive missed checks")
	hb.BoolVar(&hbFinal, "final", false, "the monitor is shutting down")
	hb.BoolVar(&hbUserInitiated, "user-initiated", false, "with --final, the shutdown was requested by an operator")
	hb.StringVar(&evWebhook, "webhook", "", "heartbeat webhook URL")
	hb.StringVar(&hbGroup, "group", "operators", "push routing group, empty to skip the push")
	hb.IntVar(&evPriority, "priority", 1, "push priority, -2..2")

	for _, c := range eventCmd.Commands() {
		addDeliveryFlags(c)
	}
}
