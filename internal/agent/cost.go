package agent

import "groupchat/internal/domain"

// Cost prices a turn's usage with the model's per-million-token rates.
func Cost(u *domain.Usage, m domain.Model) float64 {
	if u == nil {
		return 0
	}
	return float64(u.Input)/1e6*m.InputPrice + float64(u.Output)/1e6*m.OutputPrice
}
