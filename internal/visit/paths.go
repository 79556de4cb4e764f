package visit

// Store path layout. Live indexes hold the currently open visits per front-desk
// tab; day shards hold the full detail records partitioned by local calendar
// day; billing records live in a parallel subtree keyed by the same identity.
const (
	LiveOPDPath      = "visits/live/opd"
	LiveAdmittedPath = "visits/live/admitted"
	dayPrefix        = "visits/day/"
	billingPrefix    = "billing/day/"
)

// LivePaths lists every live index. Cancellation deletes the identity from all
// of them in one atomic write; deleting an absent child is a no-op.
func LivePaths() []string {
	return []string{LiveOPDPath, LiveAdmittedPath}
}

// DayPath returns the shard subtree for a shard key.
func DayPath(shardKey string) string { return dayPrefix + shardKey }

// BillingDayPath returns the billing shard subtree for a shard key.
func BillingDayPath(shardKey string) string { return billingPrefix + shardKey }

// LiveEntryPath addresses one identity in a live index.
func LiveEntryPath(indexPath string, id Identity) string {
	return indexPath + "/" + id.ChildKey()
}

// DayEntryPath addresses one identity's detail record in a day shard.
func DayEntryPath(shardKey string, id Identity) string {
	return DayPath(shardKey) + "/" + id.ChildKey()
}

// BillingEntryPath addresses one identity's billing record in a day shard.
func BillingEntryPath(shardKey string, id Identity) string {
	return BillingDayPath(shardKey) + "/" + id.ChildKey()
}
