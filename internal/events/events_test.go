package events

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/austindbirch/tonerelay/internal/delivery"
)

var at = time.Date(2024, 8, 31, 14, 5, 9, 0, time.UTC)

func TestTone(t *testing.T) {
	sub, err := Tone{Department: "Station 4", Priority: 5, At: at}.Submission()
	if err != nil {
		t.Fatal(err)
	}
	if sub.Channel != delivery.ChannelPush || sub.Destination != "station 4" {
		t.Errorf("channel/destination = %s %q", sub.Channel, sub.Destination)
	}
	if sub.Payload.Priority != 2 {
		t.Errorf("priority = %d, want clamped 2", sub.Payload.Priority)
	}
	if sub.Payload.Title != "Station 4 Tone" || sub.Payload.Message != "Station 4 toned out at 14:05:09" {
		t.Errorf("payload = %+v", sub.Payload)
	}

	sub, _ = Tone{Department: "Fire", Group: "operators"}.Submission()
	if sub.Destination != "operators" {
		t.Errorf("destination = %q", sub.Destination)
	}
}

func TestAudio(t *testing.T) {
	tests := []struct {
		name     string
		ev       Audio
		wantLink string
		wantName string
		wantErr  bool
	}{
		{
			name:     "windows path",
			ev:       Audio{Department: "Fire", File: `C:\ttd\audio\Fire 1.mp3`, BaseAudioURL: "http://nas/audio/", WebhookURL: "http://nodered/hook"},
			wantLink: "http://nas/audio/Fire%201.mp3",
			wantName: "Fire 1.mp3",
		},
		{
			name:     "no base url",
			ev:       Audio{Department: "EMS", File: "/var/ttd/ems.mp3", WebhookURL: "http://nodered/hook"},
			wantLink: "ems.mp3",
			wantName: "ems.mp3",
		},
		{name: "missing file", ev: Audio{WebhookURL: "http://x"}, wantErr: true},
		{name: "missing webhook", ev: Audio{File: "a.mp3"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub, err := tt.ev.Submission()
			if tt.wantErr {
				if !errors.Is(err, delivery.ErrInvalidTask) {
					t.Fatalf("err = %v, want ErrInvalidTask", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if sub.Channel != delivery.ChannelWebhook || sub.Destination != tt.ev.WebhookURL {
				t.Errorf("submission = %+v", sub)
			}
			if sub.Payload.Message != tt.wantLink || sub.Payload.Attributes["url_title"] != tt.wantName {
				t.Errorf("message = %q, url_title = %q", sub.Payload.Message, sub.Payload.Attributes["url_title"])
			}
		})
	}
}

func TestTranscribed(t *testing.T) {
	ev := Transcribed{
		Department:    "Fire",
		File:          "fire.mp3",
		BaseAudioURL:  "http://nas/audio",
		Transcription: "  Engine 4 respond to Main St  ",
		WebhookURL:    "http://nodered/transcribed",
		At:            at,
	}
	sub, err := ev.Submission()
	if err != nil {
		t.Fatal(err)
	}
	if sub.Payload.Title != "Fire Audio Transcribed" || sub.Payload.Message != "Engine 4 respond to Main St" {
		t.Errorf("payload = %+v", sub.Payload)
	}
	if sub.Payload.Attributes["url"] != "http://nas/audio/fire.mp3" {
		t.Errorf("url = %q", sub.Payload.Attributes["url"])
	}

	ev.Transcription = ""
	sub, _ = ev.Submission()
	if sub.Payload.Message != "(no speech detected)" {
		t.Errorf("empty transcription message = %q", sub.Payload.Message)
	}
}

func TestBackup(t *testing.T) {
	sub, err := Backup{Archive: "/tmp/ttd.zip", RemoteDir: "backups", At: at}.Submission()
	if err != nil {
		t.Fatal(err)
	}
	if sub.Channel != delivery.ChannelFTP || sub.Destination != "/backups/TTD_Backup_20240831_140509.zip" {
		t.Errorf("channel/destination = %s %q", sub.Channel, sub.Destination)
	}
	if sub.Payload.SourcePath != "/tmp/ttd.zip" {
		t.Errorf("source = %q", sub.Payload.SourcePath)
	}

	if _, err := (Backup{}).Submission(); !errors.Is(err, delivery.ErrInvalidTask) {
		t.Errorf("err = %v, want ErrInvalidTask", err)
	}
}

func TestSameEventCoalesces(t *testing.T) {
	a, _ := Audio{Department: "Fire", File: "x.mp3", WebhookURL: "http://h", At: at}.Submission()
	b, _ := Audio{Department: "Fire", File: "x.mp3", WebhookURL: "http://h", At: at.Add(time.Minute)}.Submission()
	if delivery.TaskID(a.Channel, a.Destination, a.Payload) != delivery.TaskID(b.Channel, b.Destination, b.Payload) {
		t.Error("resent audio event should map to the same task id")
	}
}

func TestHeartbeat(t *testing.T) {
	last := time.Date(2024, 8, 31, 13, 59, 0, 0, time.Local)

	tests := []struct {
		name         string
		ev           Heartbeat
		wantChannels []delivery.ChannelKind
		wantMsg      string
		wantErr      bool
	}{
		{
			name:         "missed beat to both targets",
			ev:           Heartbeat{Host: "ttd-01", LastBeat: last, Threshold: 90 * time.Second, Retries: 2, WebhookURL: "http://nodered/heartbeat", Group: "operators", Priority: 1, At: at},
			wantChannels: []delivery.ChannelKind{delivery.ChannelWebhook, delivery.ChannelPush},
			wantMsg:      "Heartbeat not detected. Last heartbeat at 2024-08-31 13:59:00.",
		},
		{
			name:         "max retries shutdown",
			ev:           Heartbeat{LastBeat: last, Retries: 5, Final: true, Group: "operators", At: at},
			wantChannels: []delivery.ChannelKind{delivery.ChannelPush},
			wantMsg:      "Shutdown due to max retries reached. Last heartbeat at 2024-08-31 13:59:00.",
		},
		{
			name:         "operator shutdown",
			ev:           Heartbeat{Final: true, UserInitiated: true, WebhookURL: "http://nodered/heartbeat", At: at},
			wantChannels: []delivery.ChannelKind{delivery.ChannelWebhook},
			wantMsg:      "User-initiated shutdown. Last heartbeat at unknown.",
		},
		{name: "no target", ev: Heartbeat{Retries: 1}, wantErr: true},
		{name: "negative retries", ev: Heartbeat{Retries: -1, Group: "operators"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subs, err := tt.ev.Submissions()
			if tt.wantErr {
				if !errors.Is(err, delivery.ErrInvalidTask) {
					t.Fatalf("err = %v, want ErrInvalidTask", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if len(subs) != len(tt.wantChannels) {
				t.Fatalf("submissions = %d, want %d", len(subs), len(tt.wantChannels))
			}
			for i, sub := range subs {
				if sub.Channel != tt.wantChannels[i] {
					t.Errorf("submission %d channel = %s, want %s", i, sub.Channel, tt.wantChannels[i])
				}
				if sub.Payload.Message != tt.wantMsg || sub.Payload.Title != HeartbeatTitle {
					t.Errorf("submission %d payload = %q %q", i, sub.Payload.Title, sub.Payload.Message)
				}
			}
		})
	}
}

func TestHeartbeatPayloads(t *testing.T) {
	ev := Heartbeat{Host: "ttd-01", Threshold: 90 * time.Second, Retries: 3, WebhookURL: "http://nodered/heartbeat", Group: "operators", Priority: 7, At: at}
	subs, err := ev.Submissions()
	if err != nil {
		t.Fatal(err)
	}

	var doc map[string]any
	if err := json.Unmarshal(subs[0].Payload.Body, &doc); err != nil {
		t.Fatalf("webhook body: %v", err)
	}
	want := map[string]any{"retries": float64(3), "hostname": "ttd-01", "threshold": float64(90), "timestamp": "2024-08-31 14:05:09"}
	for k, v := range want {
		if doc[k] != v {
			t.Errorf("body[%s] = %v, want %v", k, doc[k], v)
		}
	}
	if subs[0].Payload.ContentType != "application/json" {
		t.Errorf("content type = %q", subs[0].Payload.ContentType)
	}

	push := subs[1]
	if push.Destination != "operators" || push.Payload.Priority != 2 {
		t.Errorf("push = %q priority %d, want operators/2", push.Destination, push.Payload.Priority)
	}
	if push.Payload.Attributes["retries"] != "3" || push.Payload.Attributes["event"] != "heartbeat" {
		t.Errorf("attributes = %v", push.Payload.Attributes)
	}
}

func TestReadHeartbeatFile(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
		want    int64
		wantErr bool
	}{
		{name: "integer", content: "1725112740\n", want: 1725112740},
		{name: "fractional", content: "1725112740.873", want: 1725112740},
		{name: "garbage", content: "soon", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := filepath.Join(dir, tt.name)
			if err := os.WriteFile(p, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			got, err := ReadHeartbeatFile(p)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got.Unix() != tt.want {
				t.Errorf("got %d, want %d", got.Unix(), tt.want)
			}
		})
	}
	if _, err := ReadHeartbeatFile(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}
