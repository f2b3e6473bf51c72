package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// WorkerFields 描述一个 worker 版本及其生命周期状态。
func WorkerFields(workerID, cacheName, state string) logrus.Fields {
	return logrus.Fields{
		"worker_id":    workerID,
		"cache_name":   cacheName,
		"worker_state": state,
	}
}

// RequestFields 提供 shell 域名/缓存代/命中状态字段，供拦截请求日志复用。
func RequestFields(domain, cacheName, method, target string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"domain":     domain,
		"cache_name": cacheName,
		"method":     method,
		"target":     target,
		"cache_hit":  cacheHit,
	}
}
