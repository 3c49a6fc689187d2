package realtime_test

import (
	"testing"

	"github.com/MrWong99/voxbridge/pkg/realtime"
)

func TestHistory_UpsertKeepsOrderAndMerges(t *testing.T) {
	t.Parallel()

	h := realtime.NewHistory()
	h.Upsert(realtime.Item{ID: "u1", Type: realtime.ItemMessage, Role: realtime.RoleUser})
	h.Upsert(realtime.Item{ID: "a1", Type: realtime.ItemMessage, Role: realtime.RoleAssistant, Status: realtime.StatusInProgress})
	h.AppendText("a1", realtime.RoleAssistant, realtime.ContentOutputAudio, 0, "Hi there", true)

	// A later snapshot without transcript must not erase the delta text.
	h.Upsert(realtime.Item{
		ID:      "a1",
		Status:  realtime.StatusCompleted,
		Content: []realtime.Content{{Type: realtime.ContentOutputAudio}},
	})

	items := h.Snapshot()
	if len(items) != 2 || items[0].ID != "u1" || items[1].ID != "a1" {
		t.Fatalf("items = %+v", items)
	}
	if items[1].Status != realtime.StatusCompleted || items[1].Role != realtime.RoleAssistant {
		t.Errorf("merged item = %+v", items[1])
	}
	if got := items[1].Text(); got != "Hi there" {
		t.Errorf("Text = %q, want %q", got, "Hi there")
	}
}

func TestHistory_SnapshotIsDeepCopy(t *testing.T) {
	t.Parallel()

	h := realtime.NewHistory()
	h.SetText("a1", realtime.RoleAssistant, realtime.ContentOutputText, 0, "one", false)
	snap := h.Snapshot()
	snap[0].Content[0].Text = "mutated"

	if it, _ := h.Get("a1"); it.Content[0].Text != "one" {
		t.Errorf("history changed through snapshot: %q", it.Content[0].Text)
	}
}

func TestItem_Text(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		item realtime.Item
		want string
	}{
		{
			name: "assistant prefers output text",
			item: realtime.Item{Role: realtime.RoleAssistant, Content: []realtime.Content{
				{Type: realtime.ContentOutputAudio, Transcript: "spoken"},
				{Type: realtime.ContentOutputText, Text: "written"},
			}},
			want: "written",
		},
		{
			name: "assistant falls back to transcript",
			item: realtime.Item{Role: realtime.RoleAssistant, Content: []realtime.Content{
				{Type: realtime.ContentOutputAudio, Transcript: "spoken"},
			}},
			want: "spoken",
		},
		{
			name: "user newest transcript wins",
			item: realtime.Item{Role: realtime.RoleUser, Content: []realtime.Content{
				{Type: realtime.ContentInputAudio, Transcript: "first"},
				{Type: realtime.ContentInputAudio, Transcript: "second"},
				{Type: realtime.ContentInputAudio},
			}},
			want: "second",
		},
		{
			name: "system uses input text only",
			item: realtime.Item{Role: realtime.RoleSystem, Content: []realtime.Content{
				{Type: realtime.ContentInputAudio, Transcript: "ignored"},
				{Type: realtime.ContentInputText, Text: "be brief"},
			}},
			want: "be brief",
		},
		{
			name: "no content",
			item: realtime.Item{Role: realtime.RoleUser},
			want: "",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.item.Text(); got != tc.want {
				t.Errorf("Text = %q, want %q", got, tc.want)
			}
		})
	}
}
