// Package xclaim 把工作项存储变成安全的多 worker 认领/释放协议。
//
// # 认领
//
// ClaimBatch 选取
//
//	status = PENDING OR (status IN (CLAIMED, PROCESSING) AND claimed_at < now - staleAfter)
//
// 按 (created_at, id) 升序取前 maxSize 条，在同一个原子操作里改为 CLAIMED 并写入
// claim_owner / claimed_at。已被其他事务锁住的行直接跳过（skip-locked），
// 因此并发的认领方拿到的批次互不相交。
//
// # 过期回收
//
// 超过 staleAfter 未推进的认领可被任何 worker 回收。原 worker 之后的所有写入都以
// claim_owner = workerID 为条件，会被拒绝并返回 ErrClaimLost；调用方应记录日志并丢弃结果，
// 不要重试这次写入。
//
// # 后端
//
// MemoryStore 在本包内；Postgres（FOR UPDATE SKIP LOCKED）与 MongoDB（逐条条件更新模拟）
// 分别位于 xpg 与 xmongo。
package xclaim
