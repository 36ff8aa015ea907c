package delivery

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"clipflow/internal/domain"
)

// SubmitterNotifier tells submitters how their jobs ended, through the
// ordinary outbound queue.
type SubmitterNotifier struct {
	sender *Sender
}

func NewSubmitterNotifier(s *Sender) *SubmitterNotifier {
	return &SubmitterNotifier{sender: s}
}

func (n *SubmitterNotifier) JobFailed(job domain.CaptureJob, cause error) {
	if job.ChatID == "" {
		return
	}
	n.enqueue(Message{
		Kind:   KindSend,
		ChatID: job.ChatID,
		Text:   fmt.Sprintf("Could not capture %s: %v", job.SourceURL, cause),
	})
}

// BatchSettled sends one combined summary once every job of a batch is
// terminal.
func (n *SubmitterNotifier) BatchSettled(jobs []domain.CaptureJob) {
	if len(jobs) == 0 || jobs[0].ChatID == "" {
		return
	}
	done := 0
	for _, j := range jobs {
		if j.Status == domain.StatusCompleted {
			done++
		}
	}
	text := fmt.Sprintf("Batch finished: %d of %d captured.", done, len(jobs))
	if done < len(jobs) {
		text += "\nFailed:"
		for _, j := range jobs {
			if j.Status == domain.StatusFailed {
				text += fmt.Sprintf("\n%s (%s)", j.SourceURL, j.Error)
			}
		}
	}
	n.enqueue(Message{Kind: KindSend, ChatID: jobs[0].ChatID, Text: text, DisablePreview: true})
}

func (n *SubmitterNotifier) enqueue(m Message) {
	if err := n.sender.Enqueue(m); err != nil {
		log.Warn().Err(err).Str("chat", m.ChatID).Msg("submitter notification dropped")
	}
}
