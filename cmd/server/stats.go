package main

import "time"

// Stats represents current server stats for dashboards & API.
type Stats struct {
	Sessions      int    `json:"sessions"`
	Tickets       int    `json:"tickets"`
	Uploaded      int    `json:"uploaded"`
	Bytes         int64  `json:"bytes"`
	Verifications int64  `json:"verifications"`
	Rejected      int64  `json:"rejected"`
	Backend       string `json:"backend"`
	Now           string `json:"now"`
}

func collectStats(s StateStore) Stats {
	st := s.getStats()
	return Stats{
		Sessions:      st.Sessions,
		Tickets:       st.Tickets,
		Uploaded:      st.Uploaded,
		Bytes:         st.Bytes,
		Verifications: st.Verifications,
		Rejected:      st.Rejected,
		Backend:       s.backend(),
		Now:           time.Now().UTC().Format(time.RFC3339),
	}
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Sessions":      s.Sessions,
		"Tickets":       s.Tickets,
		"Uploaded":      s.Uploaded,
		"Bytes":         s.Bytes,
		"Verifications": s.Verifications,
		"Rejected":      s.Rejected,
		"Backend":       s.Backend,
	}
}
