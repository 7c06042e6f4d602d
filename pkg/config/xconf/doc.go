// Package xconf 加载 xjobd 的配置文件并应用环境变量覆盖。
//
// 加载顺序固定：调用方先在目标结构体上填好默认值，随后读取 YAML/JSON 文件
// （按扩展名识别，koanf 标签映射），最后用 env 标签读取环境变量（默认前缀 XJOBD_）。
// 后一步覆盖前一步，文件中缺失的键保留默认值。
//
//	cfg := app.DefaultConfig()
//	if err := xconf.Load("/etc/xjobd.yaml", &cfg); err != nil {
//	    return err
//	}
//
// Watcher 监视配置文件所在目录，文件被改写后经过防抖回调一次，
// 守护进程用它在运行期调整日志级别。
package xconf
