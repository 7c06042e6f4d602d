// Package api 是 xjobd 的管理 HTTP 接口。
//
//	POST /v1/jobs/{name}/trigger   触发执行（202/404/409/429/503）
//	GET  /v1/jobs                  已注册作业与本副本上运行中的执行
//	GET  /v1/executions            执行记录，支持 job/status/limit
//	GET  /v1/executions/{id}       单条执行记录
//	GET  /v1/items                 工作项，支持 status/owner/limit
//	POST /v1/items/{id}/rearm      FAILED 工作项重新置为 PENDING
//	GET  /v1/leader                当前领导者租约与本副本身份
//	GET  /healthz                  存活探针
//
// 读接口只查询存储，不获取任何锁。已终结的执行记录可由 WithExecutionCache 缓存。
package api
