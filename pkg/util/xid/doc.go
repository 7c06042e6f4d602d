// Package xid 生成执行记录 ID。
//
// ID 由 sonyflake 产生，按时间递增，以十进制字符串表示。机器 ID 依次取自
// XJOBD_MACHINE_ID、POD_NAME 或主机名的 FNV 哈希、私有 IPv4 的低 16 位。
// 多副本部署时建议显式设置 XJOBD_MACHINE_ID，哈希方式存在碰撞概率。
package xid
