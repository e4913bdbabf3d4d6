package quota

import "github.com/replygrid/replygrid/internal/config"

func testQuotaConfig() config.QuotaConfig {
	return config.QuotaConfig{
		TrialDailyLimit:        100,
		ActiveDailyLimit:       1000,
		ConversationDailyLimit: 30,
	}
}
