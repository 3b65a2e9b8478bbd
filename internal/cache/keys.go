package cache

import "fmt"

func LockKey(key string) string {
	return fmt.Sprintf("lock:%s", key)
}

func BudgetKey(tenantID, resource, period string) string {
	return fmt.Sprintf("budget:%s:%s:%s", tenantID, resource, period)
}
