package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 app/domain/代际/来源字段，供代理请求日志复用。
// cache_hit 在响应来自缓存或兜底文档时为 true。
func RequestFields(app, domain, generation, source string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"app":        app,
		"domain":     domain,
		"generation": generation,
		"source":     source,
		"cache_hit":  cacheHit,
	}
}

// LifecycleFields 用于 install/activate/promote 等生命周期日志。
func LifecycleFields(action, app, generation string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"app":        app,
		"generation": generation,
	}
}
