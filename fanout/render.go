package fanout

import (
	"encoding/json"
	"time"

	"github.com/mastodon/mastodon-sub071/domain"
)

type accountJSON struct {
	Id       string `json:"id"`
	Username string `json:"username"`
	Acct     string `json:"acct"`
	URI      string `json:"uri"`
}

type mentionJSON struct {
	Id string `json:"id"`
}

type tagJSON struct {
	Name string `json:"name"`
}

type statusJSON struct {
	Id         string        `json:"id"`
	URI        string        `json:"uri"`
	CreatedAt  string        `json:"created_at"`
	Account    *accountJSON  `json:"account,omitempty"`
	Content    string        `json:"content"`
	Visibility string        `json:"visibility"`
	InReplyTo  string        `json:"in_reply_to,omitempty"`
	ReblogOfId string        `json:"reblog_of_id,omitempty"`
	Mentions   []mentionJSON `json:"mentions"`
	Tags       []tagJSON     `json:"tags"`
}

// RenderStatus serializes st the way streaming clients receive it.
// Silent mentions are audience bookkeeping and never shown.
func RenderStatus(st *domain.Status) ([]byte, error) {
	out := statusJSON{
		Id:         st.Id.String(),
		URI:        st.URI,
		CreatedAt:  st.CreatedAt.UTC().Format(time.RFC3339),
		Content:    st.Text,
		Visibility: string(st.Visibility),
		InReplyTo:  st.InReplyTo,
		Mentions:   []mentionJSON{},
		Tags:       []tagJSON{},
	}
	if st.Account != nil {
		out.Account = &accountJSON{
			Id:       st.Account.Id.String(),
			Username: st.Account.Username,
			Acct:     st.Account.Acct(),
			URI:      st.Account.URI,
		}
	}
	if st.ReblogOfId != nil {
		out.ReblogOfId = st.ReblogOfId.String()
	}
	for _, m := range st.Mentions {
		if !m.Silent {
			out.Mentions = append(out.Mentions, mentionJSON{Id: m.AccountId.String()})
		}
	}
	for _, tag := range st.Tags {
		out.Tags = append(out.Tags, tagJSON{Name: tag})
	}
	return json.Marshal(out)
}

// Event wraps payload in the envelope published on every channel.
func Event(event, payload string) ([]byte, error) {
	return json.Marshal(domain.StreamEvent{Event: event, Payload: payload})
}
